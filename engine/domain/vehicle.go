package domain

// Vehicle is a commerce catalog vehicle mapped to the engine family node the
// knowledge graph reasons about.
type Vehicle struct {
	ID             string `json:"id" yaml:"id"`
	Make           string `json:"make" yaml:"make"`
	Model          string `json:"model" yaml:"model"`
	Year           int    `json:"year" yaml:"year"`
	VIN            string `json:"vin,omitempty" yaml:"vin,omitempty"`
	EngineFamilyID string `json:"engine_family_id" yaml:"engine_family_id"`
}

// SupportedMakes lists the makes the vehicle catalog accepts.
var SupportedMakes = map[string]bool{
	"Toyota": true, "Honda": true, "Ford": true, "Chevrolet": true,
	"BMW": true, "Mercedes": true, "Audi": true, "Nissan": true,
	"Hyundai": true, "Kia": true, "Volkswagen": true, "Subaru": true,
	"Mazda": true, "Jeep": true, "Ram": true, "GMC": true,
	"Dodge": true, "Lexus": true, "Acura": true, "Tesla": true,
}

// MinModelYear is the earliest year we accept.
const MinModelYear = 1980

// MaxModelYear is the latest year we accept (current + 1 for next-year models).
const MaxModelYear = 2027
