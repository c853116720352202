package capability

import (
	"context"
	"encoding/base64"

	"proctor/internal/engine"
)

// FaceClient talks to the face detection/recognition runtime.
type FaceClient struct {
	http *httpClient
}

func NewFaceClient(cfg Config) *FaceClient {
	return &FaceClient{http: newHTTPClient(cfg)}
}

type detectFacesRequest struct {
	ImageB64 string `json:"image_b64"`
}

type detectFacesResponse struct {
	Faces []engine.FaceBox `json:"faces"`
}

func (c *FaceClient) DetectFaces(ctx context.Context, frame []byte) ([]engine.FaceBox, error) {
	var resp detectFacesResponse
	err := c.http.postJSON(ctx, "/v1/faces/detect", detectFacesRequest{
		ImageB64: base64.StdEncoding.EncodeToString(frame),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

type embedRequest struct {
	ImageB64 string         `json:"image_b64"`
	Box      engine.FaceBox `json:"box"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *FaceClient) Embed(ctx context.Context, frame []byte, box engine.FaceBox) (engine.Embedding, error) {
	var resp embedResponse
	err := c.http.postJSON(ctx, "/v1/faces/embed", embedRequest{
		ImageB64: base64.StdEncoding.EncodeToString(frame),
		Box:      box,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return engine.Embedding(resp.Embedding), nil
}

type compareRequest struct {
	SessionID string    `json:"session_id"`
	Embedding []float32 `json:"embedding"`
}

type compareResponse struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
}

// CompareToRegistered compares an embedding against the face registered for
// the session at check-in time. The registered embedding lives server-side
// with the capability, keyed by session.
func (c *FaceClient) CompareToRegistered(ctx context.Context, sessionID string, embedding engine.Embedding) (engine.VerifyResult, error) {
	var resp compareResponse
	err := c.http.postJSON(ctx, "/v1/faces/compare", compareRequest{
		SessionID: sessionID,
		Embedding: []float32(embedding),
	}, &resp)
	if err != nil {
		return engine.VerifyResult{}, err
	}
	return engine.VerifyResult{Verified: resp.Verified, Confidence: resp.Confidence}, nil
}

var _ engine.FaceVerifier = (*FaceClient)(nil)
