package domain

import "slices"

// MaxBeatsPerTurn caps how many beats a single reply may contain.
const MaxBeatsPerTurn = 3

// Facial expressions understood by the avatar front end.
const (
	ExpressionSmile     = "smile"
	ExpressionSad       = "sad"
	ExpressionAngry     = "angry"
	ExpressionSurprised = "surprised"
	ExpressionFunnyFace = "funnyFace"
	ExpressionDefault   = "default"
)

// Animation clips understood by the avatar front end.
const (
	AnimationTalking0  = "Talking_0"
	AnimationTalking1  = "Talking_1"
	AnimationTalking2  = "Talking_2"
	AnimationCrying    = "Crying"
	AnimationLaughing  = "Laughing"
	AnimationRumba     = "Rumba"
	AnimationIdle      = "Idle"
	AnimationTerrified = "Terrified"
	AnimationAngry     = "Angry"
)

var FacialExpressions = []string{
	ExpressionSmile, ExpressionSad, ExpressionAngry,
	ExpressionSurprised, ExpressionFunnyFace, ExpressionDefault,
}

var Animations = []string{
	AnimationTalking0, AnimationTalking1, AnimationTalking2,
	AnimationCrying, AnimationLaughing, AnimationRumba,
	AnimationIdle, AnimationTerrified, AnimationAngry,
}

// BeatPlan is one planned reply unit as produced by the language model.
type BeatPlan struct {
	Text             string `json:"text"`
	FacialExpression string `json:"facialExpression"`
	Animation        string `json:"animation"`
}

// MouthCue is one entry of a Rhubarb lip-sync transcript.
type MouthCue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Value string  `json:"value"`
}

// LipsyncMetadata mirrors the metadata block Rhubarb writes.
type LipsyncMetadata struct {
	SoundFile string  `json:"soundFile"`
	Duration  float64 `json:"duration"`
}

// Lipsync is the viseme timeline for a single beat.
type Lipsync struct {
	Metadata  LipsyncMetadata `json:"metadata"`
	MouthCues []MouthCue      `json:"mouthCues"`
}

// RenderedBeat is a beat plan with its synthesized audio and viseme timeline.
// Audio is the base64 encoding of the clip returned by the speech service.
type RenderedBeat struct {
	Text             string  `json:"text"`
	Audio            string  `json:"audio"`
	Lipsync          Lipsync `json:"lipsync"`
	FacialExpression string  `json:"facialExpression"`
	Animation        string  `json:"animation"`
}

func IsFacialExpression(s string) bool { return slices.Contains(FacialExpressions, s) }

func IsAnimation(s string) bool { return slices.Contains(Animations, s) }
