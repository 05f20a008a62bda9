package engine

// Outcome classifies one transfer attempt.
type Outcome int

const (
	// OutcomeSuccess means the plot reached the destination.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable is a transient I/O failure; the destination stays in rotation.
	OutcomeRetryable
	// OutcomeFatal is a file I/O or resource failure; the destination is retired.
	OutcomeFatal
	// OutcomeUnknown is any other failure; the destination is retired after a short backoff.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier maps transfer tool exit statuses to outcomes.
type Classifier struct {
	retryable map[int]struct{}
	fatal     map[int]struct{}
}

// NewClassifier builds a classifier from the exit statuses treated as
// retryable and fatal. Zero is always success.
func NewClassifier(retryable, fatal []int) Classifier {
	c := Classifier{
		retryable: make(map[int]struct{}, len(retryable)),
		fatal:     make(map[int]struct{}, len(fatal)),
	}
	for _, code := range retryable {
		c.retryable[code] = struct{}{}
	}
	for _, code := range fatal {
		c.fatal[code] = struct{}{}
	}
	return c
}

// Classify maps an exit status to an outcome.
func (c Classifier) Classify(exitCode int) Outcome {
	if exitCode == 0 {
		return OutcomeSuccess
	}
	if _, ok := c.retryable[exitCode]; ok {
		return OutcomeRetryable
	}
	if _, ok := c.fatal[exitCode]; ok {
		return OutcomeFatal
	}
	return OutcomeUnknown
}
