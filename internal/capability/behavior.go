package capability

import (
	"context"
	"encoding/base64"

	"proctor/internal/engine"
)

// BehaviorClient talks to the behavior/object detection runtime. Gaze and
// posture come from face geometry; the prohibited-object flag comes from an
// independent object classifier behind the same endpoint.
type BehaviorClient struct {
	http *httpClient
}

func NewBehaviorClient(cfg Config) *BehaviorClient {
	return &BehaviorClient{http: newHTTPClient(cfg)}
}

type analyzeRequest struct {
	ImageB64 string `json:"image_b64"`
}

type analyzeResponse struct {
	GazeDown       bool    `json:"gaze_down"`
	HeadPitchDown  bool    `json:"head_pitch_down"`
	HandNearFace   bool    `json:"hand_near_face"`
	FaceOutOfFrame bool    `json:"face_out_of_frame"`
	ObjectDetected bool    `json:"object_detected"`
	ObjectLabel    string  `json:"object_label"`
	Confidence     float64 `json:"confidence"`
}

func (c *BehaviorClient) Analyze(ctx context.Context, frame []byte) (engine.BehaviorReading, error) {
	var resp analyzeResponse
	err := c.http.postJSON(ctx, "/v1/behavior/analyze", analyzeRequest{
		ImageB64: base64.StdEncoding.EncodeToString(frame),
	}, &resp)
	if err != nil {
		return engine.BehaviorReading{}, err
	}
	return engine.BehaviorReading{
		GazeDown:       resp.GazeDown,
		HeadPitchDown:  resp.HeadPitchDown,
		HandNearFace:   resp.HandNearFace,
		FaceOutOfFrame: resp.FaceOutOfFrame,
		ObjectDetected: resp.ObjectDetected,
		ObjectLabel:    resp.ObjectLabel,
		Confidence:     resp.Confidence,
	}, nil
}

var _ engine.BehaviorAnalyzer = (*BehaviorClient)(nil)
