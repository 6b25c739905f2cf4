package features

// Request-complexity weights. The source varies these across files; this
// repo fixes one set and documents it here per the Open Question decision.
// Token length dominates since it is the only signal available for a
// metadata-free request: a long, unstructured message must be able to
// reach the escalation floor on its own, without relying on structured
// metadata it may never carry.
const (
	WeightTokenLength      = 0.80
	WeightFieldDepth       = 0.12
	WeightStructuralFanout = 0.08
)

// ComplexityLengthScale is the token count at which the length component of
// RequestComplexity saturates to 1.0.
const ComplexityLengthScale = 500

// CacheTTLSeconds bounds how long an extracted RouterFeatures record may be
// cached, keyed by the envelope hash.
const CacheTTLSeconds = 300

// MaxHistoryMessages bounds how many prior tenant messages feed the novelty
// score.
const MaxHistoryMessages = 50

// DefaultFailureRate is returned when neither a user nor a tenant failure
// gauge is available.
const DefaultFailureRate = 0.1
