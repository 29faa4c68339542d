package findnet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// AnswerKind tells whether a peer holds content or knows someone closer.
type AnswerKind string

const (
	AnswerHas    AnswerKind = "HAS"
	AnswerCloser AnswerKind = "CLOSER"
)

// Answer is one entry of the response to `GET /find/{id}`.
type Answer struct {
	Kind AnswerKind `json:"kind"`
	ID   ID         `json:"id"`
}

// PeerClient issues the outbound calls of the protocol: find queries to
// other find nodes, and existence probes to storage nodes.
type PeerClient struct {
	client      *http.Client
	storagePath string
}

func NewPeerClient(client *http.Client, storagePath string) *PeerClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if storagePath == "" {
		storagePath = defaultStoragePath
	}
	return &PeerClient{client: client, storagePath: storagePath}
}

// Find asks the find node described by info what it knows about target.
// Answers of an unknown kind are skipped; a malformed id fails the whole
// response.
func (pc *PeerClient) Find(ctx context.Context, info BrokerInfo, target ID) ([]Answer, error) {
	req, err := pc.request(ctx, http.MethodGet, info, "/find/"+target.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPeerQuery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := pc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPeerQuery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %w", ErrPeerResponse, &StatusError{URL: req.URL.String(), Code: resp.StatusCode})
	}

	var raw []Answer
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPeerResponse, err)
	}

	answers := raw[:0]
	for _, answer := range raw {
		if answer.Kind == AnswerHas || answer.Kind == AnswerCloser {
			answers = append(answers, answer)
		}
	}
	return answers, nil
}

// Probe checks whether the storage node described by info serves content.
// Only a 200 counts as present.
func (pc *PeerClient) Probe(ctx context.Context, info BrokerInfo, content ID) (bool, error) {
	req, err := pc.request(ctx, http.MethodHead, info, pc.storagePath+content.String())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrProbe, err)
	}

	resp, err := pc.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrProbe, err)
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (pc *PeerClient) request(ctx context.Context, method string, info BrokerInfo, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, info.URL+path, nil)
	if err != nil {
		return nil, err
	}
	if info.Token != "" {
		req.Header.Set("Authorization", "Bearer "+info.Token)
	}
	return req, nil
}
