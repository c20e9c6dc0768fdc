package miot

// Access is a property capability
type Access string

const (
	AccessRead   Access = "read"
	AccessWrite  Access = "write"
	AccessNotify Access = "notify"
)

// Format is the declared value format of a property
type Format string

const (
	FormatBool   Format = "bool"
	FormatUint8  Format = "uint8"
	FormatUint16 Format = "uint16"
	FormatUint32 Format = "uint32"
	FormatInt8   Format = "int8"
	FormatInt16  Format = "int16"
	FormatInt32  Format = "int32"
	FormatInt64  Format = "int64"
	FormatFloat  Format = "float"
	FormatString Format = "string"
	FormatHex    Format = "hex"
)

// InstanceStatus is the publication status of a catalogue entry
type InstanceStatus string

const (
	StatusReleased InstanceStatus = "released"
	StatusDebug    InstanceStatus = "debug"
)

// Device is a capability descriptor
type Device struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Services    []Service `json:"services"`
}

// Service groups properties and actions under a service instance id
type Service struct {
	IID         int        `json:"iid"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Properties  []Property `json:"properties"`
	Actions     []Action   `json:"actions,omitempty"`
}

// Property is a single readable/writable value of a service
type Property struct {
	IID         int             `json:"iid"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Format      Format          `json:"format"`
	Access      []Access        `json:"access"`
	ValueList   []ValueListItem `json:"value-list,omitempty"`
	ValueRange  []float64       `json:"value-range,omitempty"`
	Unit        string          `json:"unit,omitempty"`
}

// Action is an invocable service method (listed only)
type Action struct {
	IID         int    `json:"iid"`
	Type        string `json:"type"`
	Description string `json:"description"`
	In          []int  `json:"in,omitempty"`
	Out         []int  `json:"out,omitempty"`
}

// ValueListItem is one enumerated value of a property
type ValueListItem struct {
	Value       int    `json:"value"`
	Description string `json:"description"`
}

// Has reports whether the property carries the capability
func (p Property) Has(a Access) bool {
	for _, v := range p.Access {
		if v == a {
			return true
		}
	}
	return false
}

// Readable reports read access
func (p Property) Readable() bool { return p.Has(AccessRead) }

// Writable reports write access
func (p Property) Writable() bool { return p.Has(AccessWrite) }
