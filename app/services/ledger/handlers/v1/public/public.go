// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chaosmesh/ledger/business/web/errs"
	"github.com/chaosmesh/ledger/foundation/blockchain/database"
	"github.com/chaosmesh/ledger/foundation/blockchain/state"
	"github.com/chaosmesh/ledger/foundation/events"
	"github.com/chaosmesh/ledger/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of ledger endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	// Need this to handle CORS on the websocket.
	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	// This upgrades the HTTP connection to a websocket connection.
	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	// This provides a channel for receiving events from the ledger.
	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	// This keeps the client socket alive.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// Block waiting for events from the ledger or ticker.
	for {
		select {
		case msg, wd := <-ch:

			// If the channel is closed, release the websocket.
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen := h.State.Genesis()
	return web.Respond(ctx, w, gen, http.StatusOK)
}

// Status returns the current status of the ledger.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	st := h.State.Status()

	resp := status{
		Height:          st.Height,
		Difficulty:      st.Difficulty,
		LatestBlockHash: st.LatestBlock.Hash,
		LatestIndex:     st.LatestBlock.Index,
		LastAdjustment:  st.LastAdjustment.UTC().Format(time.RFC3339Nano),
		TargetBlockTime: st.TargetBlockTime,
		EpochLength:     st.EpochLength,
		NextRetarget:    st.NextRetarget,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// BlocksByNumber returns all the blocks based on the specified to/from
// values. Without bounds the whole chain is returned.
func (h Handlers) BlocksByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	fromStr := web.Param(r, "from")
	if fromStr == "" {
		fromStr = "0"
	}

	toStr := web.Param(r, "to")
	if toStr == "" {
		toStr = "latest"
	}

	from, err := parseNumber(fromStr)
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("from: %w", err), http.StatusBadRequest)
	}

	to, err := parseNumber(toStr)
	if err != nil {
		return errs.NewTrusted(fmt.Errorf("to: %w", err), http.StatusBadRequest)
	}

	if from > to {
		return errs.NewTrusted(errors.New("from greater than to"), http.StatusBadRequest)
	}

	blocks := h.State.QueryBlocksByNumber(from, to)
	if len(blocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, toBlocks(blocks), http.StatusOK)
}

// =============================================================================

func parseNumber(s string) (uint64, error) {
	if s == "latest" || s == "" {
		return state.QueryLatest, nil
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid block number")
	}

	if n >= state.QueryLatest {
		return 0, errors.New("block number out of range")
	}

	return n, nil
}

func toBlocks(blocks []database.Block) []block {
	out := make([]block, len(blocks))
	for i, b := range blocks {
		out[i] = block{
			Index:        b.Index,
			Timestamp:    b.Time().UTC().Format(time.RFC3339Nano),
			Entropy:      b.Entropy,
			Nonce:        b.Nonce,
			Hash:         b.Hash,
			PreviousHash: b.PreviousHash,
		}
	}
	return out
}
