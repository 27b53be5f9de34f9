package transaction

// DurableInfo describes the single local durable enlistment when the
// transaction reaches its durable phase without being promoted.
type DurableInfo struct {
	ResourceManagerID   string
	SupportsSinglePhase bool
	// VolatileCount is the number of volatile enlistments that voted yes
	// and are waiting for the outcome.
	VolatileCount int
}

// SinglePhaseStrategy decides whether the only durable participant gets a
// single-phase commit or a local prepare round followed by commit.
type SinglePhaseStrategy interface {
	UseSinglePhase(d DurableInfo) bool
}

// SinglePhaseStrategyFunc adapts a function to SinglePhaseStrategy.
type SinglePhaseStrategyFunc func(d DurableInfo) bool

func (f SinglePhaseStrategyFunc) UseSinglePhase(d DurableInfo) bool { return f(d) }

// PreferSinglePhase uses single-phase commit whenever the participant
// supports it. It is the default.
var PreferSinglePhase SinglePhaseStrategy = SinglePhaseStrategyFunc(func(d DurableInfo) bool {
	return d.SupportsSinglePhase
})

// NeverSinglePhase always runs prepare then commit on the durable
// participant.
var NeverSinglePhase SinglePhaseStrategy = SinglePhaseStrategyFunc(func(DurableInfo) bool {
	return false
})
