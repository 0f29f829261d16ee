package scoring

// Confidence weights.
const (
	similarityWeight = 0.6
	dependencyWeight = 0.3
	historyWeight    = 0.1
)

// Confidence blends outcome similarity, dependency confidence and historical
// success into a value in [0,1]. Inputs are clamped before weighting.
func Confidence(similarity, dependency, history float64) float64 {
	c := similarityWeight*clamp(similarity, 0, 1) +
		dependencyWeight*clamp(dependency, 0, 1) +
		historyWeight*clamp(history, 0, 1)
	return clamp(c, 0, 1)
}
