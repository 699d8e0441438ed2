package domain

// Phase is the driving phase in which a symptom was observed.
type Phase string

const (
	PhaseColdStart    Phase = "cold_start"
	PhaseWarmUp       Phase = "warm_up"
	PhaseIdle         Phase = "idle"
	PhaseAcceleration Phase = "acceleration"
	PhaseCruising     Phase = "cruising"
	PhaseBraking      Phase = "braking"
	PhaseTurning      Phase = "turning"
)

// Speed is a coarse vehicle speed band.
type Speed string

const (
	SpeedStandstill Speed = "standstill"
	SpeedLow        Speed = "low"
	SpeedMedium     Speed = "medium"
	SpeedHigh       Speed = "high"
)

// Temp is the engine or ambient temperature band.
type Temp string

const (
	TempCold   Temp = "cold"
	TempNormal Temp = "normal"
	TempHot    Temp = "hot"
)

// Load is the vehicle load band.
type Load string

const (
	LoadLight  Load = "light"
	LoadNormal Load = "normal"
	LoadHeavy  Load = "heavy"
	LoadTowing Load = "towing"
)

// Road is the road surface.
type Road string

const (
	RoadSmooth  Road = "smooth"
	RoadRough   Road = "rough"
	RoadWet     Road = "wet"
	RoadGravel  Road = "gravel"
	RoadOffRoad Road = "off_road"
)

var (
	validPhases = map[Phase]bool{PhaseColdStart: true, PhaseWarmUp: true, PhaseIdle: true, PhaseAcceleration: true, PhaseCruising: true, PhaseBraking: true, PhaseTurning: true}
	validSpeeds = map[Speed]bool{SpeedStandstill: true, SpeedLow: true, SpeedMedium: true, SpeedHigh: true}
	validTemps  = map[Temp]bool{TempCold: true, TempNormal: true, TempHot: true}
	validLoads  = map[Load]bool{LoadLight: true, LoadNormal: true, LoadHeavy: true, LoadTowing: true}
	validRoads  = map[Road]bool{RoadSmooth: true, RoadRough: true, RoadWet: true, RoadGravel: true, RoadOffRoad: true}
)

// ContextTags are the operating conditions attached to an observable or a
// query. Empty fields are unspecified.
type ContextTags struct {
	Phase Phase `json:"phase,omitempty" yaml:"phase,omitempty"`
	Speed Speed `json:"speed,omitempty" yaml:"speed,omitempty"`
	Temp  Temp  `json:"temp,omitempty" yaml:"temp,omitempty"`
	Load  Load  `json:"load,omitempty" yaml:"load,omitempty"`
	Road  Road  `json:"road,omitempty" yaml:"road,omitempty"`
}

// IsZero reports whether no tag is set.
func (c ContextTags) IsZero() bool { return c == ContextTags{} }

// Match returns the fraction of scored tags (phase, speed, temp, load) that
// both sides specify and agree on, over the tags both sides specify. It
// returns 0 when the two sides share no specified tag.
func (c ContextTags) Match(query ContextTags) float64 {
	var both, agree int
	check := func(a, b string) {
		if a == "" || b == "" {
			return
		}
		both++
		if a == b {
			agree++
		}
	}
	check(string(c.Phase), string(query.Phase))
	check(string(c.Speed), string(query.Speed))
	check(string(c.Temp), string(query.Temp))
	check(string(c.Load), string(query.Load))
	if both == 0 {
		return 0
	}
	return float64(agree) / float64(both)
}

// Validate checks that every set tag is a recognised value.
func (c ContextTags) Validate() error {
	if c.Phase != "" && !validPhases[c.Phase] {
		return NewValidationError("context.phase", string(c.Phase), ErrInvalidContext)
	}
	if c.Speed != "" && !validSpeeds[c.Speed] {
		return NewValidationError("context.speed", string(c.Speed), ErrInvalidContext)
	}
	if c.Temp != "" && !validTemps[c.Temp] {
		return NewValidationError("context.temp", string(c.Temp), ErrInvalidContext)
	}
	if c.Load != "" && !validLoads[c.Load] {
		return NewValidationError("context.load", string(c.Load), ErrInvalidContext)
	}
	if c.Road != "" && !validRoads[c.Road] {
		return NewValidationError("context.road", string(c.Road), ErrInvalidContext)
	}
	return nil
}

// VehicleContext is the optional vehicle description attached to a query.
// VehicleID is resolved to an engine family through the vehicle catalog
// unless EngineFamilyID is supplied directly.
type VehicleContext struct {
	VehicleID      string       `json:"vehicle_id,omitempty"`
	EngineFamilyID string       `json:"engine_family_id,omitempty"`
	Context        ContextTags  `json:"context"`
	Usage          UsageProfile `json:"usage,omitempty"`
}
