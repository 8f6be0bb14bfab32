package types

import "strings"

// Emotion is a classifier label, always lower case.
type Emotion string

const (
	Neutral  Emotion = "neutral"
	Happy    Emotion = "happy"
	Sad      Emotion = "sad"
	Angry    Emotion = "angry"
	Fear     Emotion = "fear"
	Surprise Emotion = "surprise"
	Disgust  Emotion = "disgust"
)

// Emotions lists every label the classifier is expected to produce.
var Emotions = []Emotion{Neutral, Happy, Sad, Angry, Fear, Surprise, Disgust}

// ParseEmotion normalizes a raw classifier label. Unknown labels are kept as-is
// (lower-cased) so the policy can treat them as unrecognized.
func ParseEmotion(s string) Emotion {
	return Emotion(strings.ToLower(strings.TrimSpace(s)))
}

// EmotionResult is the dominant emotion for one face region.
type EmotionResult struct {
	Label      Emotion
	Confidence float64 // always within [0, 1]
}

// NoEmotion is what a missing classifier result is treated as.
var NoEmotion = EmotionResult{Label: Neutral, Confidence: 0}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClassifyRequest is the payload sent to the classifier worker.
type ClassifyRequest struct {
	Width  int    `msgpack:"w"`
	Height int    `msgpack:"h"`
	Data   []byte `msgpack:"d"` // packed RGB, row-major
}

// ClassifyResponse matches the msgpack object the worker returns on success.
type ClassifyResponse struct {
	Found bool    `msgpack:"found"`
	Label string  `msgpack:"label"`
	Score float64 `msgpack:"score"`
}

// ErrorResult is the JSON body returned by HTTP endpoints on failure.
type ErrorResult struct {
	Error string `json:"error"`
}
