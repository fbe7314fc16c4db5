package concierge

import (
	"fmt"

	"go.chromium.org/vmtools/internal/vmerr"
)

// GenerateToken creates an unpredictable token for a new container and
// places it into PendingContainers.
func (t *TokenTable) GenerateToken(containerName string) Token {
	tok := NewToken()
	t.PendingContainers[tok] = &ContainerRecord{Name: containerName, Token: tok}
	return tok
}

// RegisterContainer promotes a pending container to confirmed, or refreshes
// the endpoint of an already-confirmed one. Fails vmerr.NotFound
// (UNKNOWN_TOKEN) if the token is in neither map.
func (t *TokenTable) RegisterContainer(token Token, garconEndpoint string) (*ContainerRecord, error) {
	if rec, ok := t.PendingContainers[token]; ok {
		rec.GarconEndpoint = garconEndpoint
		delete(t.PendingContainers, token)
		t.Containers[token] = rec
		return rec, nil
	}
	if rec, ok := t.Containers[token]; ok {
		rec.GarconEndpoint = garconEndpoint
		return rec, nil
	}
	return nil, fmt.Errorf("unknown token: %w", vmerr.NotFound)
}

// UnregisterContainer removes a confirmed container. Fails vmerr.NotFound
// (UNKNOWN_TOKEN) if not present.
func (t *TokenTable) UnregisterContainer(token Token) (*ContainerRecord, error) {
	rec, ok := t.Containers[token]
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", vmerr.NotFound)
	}
	delete(t.Containers, token)
	return rec, nil
}
