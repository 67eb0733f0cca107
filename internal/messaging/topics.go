package messaging

// Topic constants for search events
const (
	TopicPasses    = "search.passes"    // one event per pass without a solution
	TopicSolutions = "search.solutions" // one event per verified solution
)
