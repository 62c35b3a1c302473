package domain

import "time"

// Keypoint is one detected joint. Part names follow the BODY_25 convention
// used by the inference service ("Neck", "LShoulder", ...).
type Keypoint struct {
	Part       string  `json:"part"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// PoseFrame is one captured sample of the patient's pose. Sequence numbers
// are strictly increasing per session; stale or duplicate numbers are
// dropped by the telemetry pipeline, never queued.
type PoseFrame struct {
	SessionID  SessionID  `json:"session_id"`
	Seq        uint64     `json:"seq"`
	CapturedAt time.Time  `json:"captured_at"`
	Keypoints  []Keypoint `json:"keypoints"`
}

// AnalysisResult answers exactly one PoseFrame, identified by FrameSeq.
type AnalysisResult struct {
	SessionID  SessionID `json:"session_id"`
	FrameSeq   uint64    `json:"frame_seq"`
	Score      float64   `json:"score"`
	Feedback   string    `json:"feedback"`
	ComputedAt time.Time `json:"computed_at"`
}
