package protocol

// APIVersion is the bridge protocol version announced in componentReady.
const APIVersion = 1

// Envelope keys shared by every message. Payload fields live next to them in
// one flat namespace, so payloads may not use either name.
const (
	MarkerField = "isBridgeMessage"
	TypeField   = "type"
)

// Kind is the envelope discriminator.
type Kind string

const (
	KindReady          Kind = "bridge:componentReady"
	KindChanged        Kind = "bridge:componentChanged"
	KindRender         Kind = "bridge:render"
	KindSetFrameHeight Kind = "bridge:setFrameHeight"
)

// ParseKind maps a wire tag to a known Kind. Unknown tags report false.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindReady:
		return KindReady, true
	case KindChanged:
		return KindChanged, true
	case KindRender:
		return KindRender, true
	case KindSetFrameHeight:
		return KindSetFrameHeight, true
	default:
		return "", false
	}
}

func (k Kind) String() string { return string(k) }

// Short is the tag without the "bridge:" namespace, used as a metric label.
func (k Kind) Short() string {
	switch k {
	case KindReady:
		return "ready"
	case KindChanged:
		return "changed"
	case KindRender:
		return "render"
	case KindSetFrameHeight:
		return "set_frame_height"
	default:
		return "unknown"
	}
}

type ReadyPayload struct {
	APIVersion int `json:"apiVersion"`
}

type FrameHeightPayload struct {
	Height int `json:"height"`
}

// RenderPayload wraps the authoritative state pushed by the host.
type RenderPayload struct {
	Args any `json:"args"`
}
