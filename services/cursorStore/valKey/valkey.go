package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/config"
	"github.com/kychandar/pollsub/ds"
	"github.com/kychandar/pollsub/services"
	"github.com/valkey-io/valkey-go"
)

// ValkeyCursorStore implements CursorStore using valkey-go client. The last
// cursor written per client is remembered so unchanged cursors are not
// written again.
type ValkeyCursorStore struct {
	client valkey.Client
	ttl    time.Duration
	saved  *haxmap.Map[common.ClientID, ds.TimeToken]
}

var _ services.CursorStore = (*ValkeyCursorStore)(nil)

// NewValkeyCursorStore returns a new instance.
func NewValkeyCursorStore(config *config.Config) (*ValkeyCursorStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  config.CursorStore.Addr,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}
	return &ValkeyCursorStore{
		client: client,
		ttl:    config.CursorStore.TTL,
		saved:  haxmap.New[common.ClientID, ds.TimeToken](),
	}, nil
}

// Close gracefully shuts down the Valkey client.
func (c *ValkeyCursorStore) Close() {
	if c.client == nil {
		return
	}
	c.client.Close()
}

func (c *ValkeyCursorStore) SaveCursor(ctx context.Context, clientID common.ClientID, cursor ds.TimeToken) error {
	if prev, ok := c.saved.Get(clientID); ok && prev == cursor {
		return nil
	}
	b, err := json.Marshal(cursor)
	if err != nil {
		return err
	}

	key := common.CursorCacheKeyFormat(string(clientID))
	set := c.client.B().Set().Key(key).Value(string(b))
	var cmd valkey.Completed
	if c.ttl > 0 {
		cmd = set.PxMilliseconds(c.ttl.Milliseconds()).Build()
	} else {
		cmd = set.Build()
	}
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return err
	}
	c.saved.Set(clientID, cursor)
	return nil
}

// LoadCursor returns false when nothing was stored for clientID.
func (c *ValkeyCursorStore) LoadCursor(ctx context.Context, clientID common.ClientID) (ds.TimeToken, bool, error) {
	cmd := c.client.B().Get().Key(common.CursorCacheKeyFormat(string(clientID))).Build()
	raw, err := c.client.Do(ctx, cmd).ToString()
	if valkey.IsValkeyNil(err) {
		return ds.TimeToken{}, false, nil
	}
	if err != nil {
		return ds.TimeToken{}, false, err
	}

	var cursor ds.TimeToken
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return ds.TimeToken{}, false, fmt.Errorf("decoding stored cursor: %w", err)
	}
	c.saved.Set(clientID, cursor)
	return cursor, true, nil
}

// DeleteCursor forgets the stored cursor of clientID.
func (c *ValkeyCursorStore) DeleteCursor(ctx context.Context, clientID common.ClientID) error {
	cmd := c.client.B().Del().Key(common.CursorCacheKeyFormat(string(clientID))).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return err
	}
	c.saved.Del(clientID)
	return nil
}
