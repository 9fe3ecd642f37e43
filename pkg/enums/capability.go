package enums

// Capability names a gated feature the entitlement guard can authorize.
type Capability string

const (
	CapabilityFormCheck     Capability = "form_check"
	CapabilityCoaching      Capability = "coaching"
	CapabilityMealPlanning  Capability = "meal_planning"
	CapabilityVoiceCoaching Capability = "voice_coaching"
)

func (c Capability) String() string {
	return string(c)
}
