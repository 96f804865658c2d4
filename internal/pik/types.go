package pik

import "time"

// Video stream quality labels as the vendor reports them, in preference order.
var videoQualityOrder = []string{"high", "medium", "low"}

// Account describes the signed-in customer account.
type Account struct {
	ID          int64
	Phone       string
	Email       string
	Number      string
	ApartmentID int64
	FirstName   string
	LastName    string
	MiddleName  string
}

// Property is a customer-owned geo unit (apartment, parking place, ...)
// that intercoms are attached to.
type Property struct {
	ID            int64
	Category      string
	SchemeID      int64
	Number        string
	Section       int64
	BuildingID    int64
	DistrictID    int64
	AccountNumber string
}

// VideoStream is one quality variant of an intercom camera stream.
type VideoStream struct {
	Quality string
	Source  string
}

// Intercom is an ICM (property-bound) door station.
type Intercom struct {
	ID          int64
	PropertyID  int64
	SchemeID    int64
	BuildingID  int64
	Kind        string
	Category    string
	Mode        string
	Name        string
	HumanName   string
	RenamedName string
	Entrance    *int64
	Relays      map[string]string
	Video       []VideoStream
	PhotoURL    string
}

// DisplayName prefers the user-assigned name over vendor naming.
func (i Intercom) DisplayName() string {
	if i.RenamedName != "" {
		return i.RenamedName
	}
	if i.HumanName != "" {
		return i.HumanName
	}
	return i.Name
}

// HasCamera reports whether the intercom exposes any video or snapshot source.
func (i Intercom) HasCamera() bool {
	return len(i.Video) > 0 || i.PhotoURL != ""
}

// StreamURL returns the best available video stream, highest quality first.
func (i Intercom) StreamURL() string {
	if len(i.Video) == 0 {
		return ""
	}
	for _, quality := range videoQualityOrder {
		for _, stream := range i.Video {
			if stream.Quality == quality && stream.Source != "" {
				return stream.Source
			}
		}
	}
	return i.Video[0].Source
}

// GeoUnit is the vendor's location reference attached to IoT objects.
type GeoUnit struct {
	ID        int64
	FullName  string
	ShortName string
}

// IotRelay is an individually unlockable relay behind an IoT intercom.
type IotRelay struct {
	ID         int64
	Name       string
	CustomName string
	Favorite   bool
	Hidden     bool
	GeoUnit    *GeoUnit
	StreamURL  string
	PhotoURL   string
}

// FriendlyName prefers the user-assigned relay name.
func (r IotRelay) FriendlyName() string {
	if r.CustomName != "" {
		return r.CustomName
	}
	return r.Name
}

// IotIntercom is an intercom served through the vendor's IoT platform.
type IotIntercom struct {
	ID            int64
	Name          string
	ClientID      int64
	Status        string
	PhotoURL      string
	GeoUnit       *GeoUnit
	FaceDetection bool
	Relays        []IotRelay
}

// Online reports whether the vendor considers the device reachable.
func (i IotIntercom) Online() bool {
	return i.Status == "online"
}

// CallSession is one doorbell call event with its lifecycle timestamps.
type CallSession struct {
	ID             int64
	PropertyID     int64
	PropertyName   string
	IntercomID     int64
	IntercomName   string
	SnapshotURL    string
	CreatedAt      time.Time
	PickedUpAt     *time.Time
	FinishedAt     *time.Time
	TargetRelayIDs []int64
}

// Active reports whether the call is still ringing or picked up.
func (s CallSession) Active() bool {
	return !s.CreatedAt.IsZero() && s.FinishedAt == nil
}

// MeterKind enumerates the utility meter types the vendor reports.
type MeterKind string

const (
	MeterColdWater   MeterKind = "cold"
	MeterHotWater    MeterKind = "hot"
	MeterElectricity MeterKind = "electro"
	MeterHeat        MeterKind = "heat"
)

// Known reports whether the kind is one this bridge understands. The vendor
// list is open-ended; unknown kinds are carried through but flagged.
func (k MeterKind) Known() bool {
	switch k {
	case MeterColdWater, MeterHotWater, MeterElectricity, MeterHeat:
		return true
	}
	return false
}

// Meter is a utility consumption meter bound to a property.
type Meter struct {
	ID             int64
	Serial         string
	Kind           MeterKind
	PipeIdentifier string
	GeoUnit        *GeoUnit
	CurrentValue   string
	CurrentNumeric float64
	MonthValue     string
	MonthNumeric   float64
}
