// Package upstream is the transport client the replica uses to subscribe to
// a core node's transaction log and stream committed batches: a
// connect-then-receive loop carried over a websocket connection rather
// than the Postgres replication protocol.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/pkg/seqno"
)

const (
	pingInterval = 5 * time.Second
	pingTimeout  = 10 * time.Second
)

// subscribeRequest is sent once a connection is established.
type subscribeRequest struct {
	Shard      rlogtypes.Shard `json:"shard"`
	Checkpoint []byte          `json:"checkpoint,omitempty"`
	OriginID   string          `json:"origin_id"`
}

// subscribeReply is the core node's handshake response: either an ok
// payload naming the serving agent, table set, and starting seqno, or an
// error reason.
type subscribeReply struct {
	BootstrapNeeded bool                  `json:"bootstrap_needed"`
	Agent           rlogtypes.AgentHandle `json:"agent"`
	Tables          []rlogtypes.TableSpec `json:"tables"`
	StartingSeqNo   seqno.SeqNo           `json:"starting_seqno"`
	Error           string                `json:"error,omitempty"`
}

// SubscribeResult carries the handshake outcome back to the caller.
type SubscribeResult struct {
	BootstrapNeeded bool
	Agent           rlogtypes.AgentHandle
	Tables          []rlogtypes.TableSpec
	StartingSeqNo   seqno.SeqNo
}

// AgentDown is delivered on the Down channel when the liveness watch
// observes the connection has gone silent.
type AgentDown struct {
	Agent rlogtypes.AgentHandle
	Err   error
}

// Client streams batches from one core node candidate for one shard.
type Client struct {
	conn   *websocket.Conn
	addr   string
	logger zerolog.Logger

	agent rlogtypes.AgentHandle
	down  chan AgentDown
	batch chan rlogtypes.Batch

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to addr and performs the subscribe handshake for shard,
// starting from checkpoint (nil/empty means "from the beginning"). It
// returns a Client ready to stream via Batches(), along with the handshake
// result the caller needs to decide whether to bootstrap.
func Dial(ctx context.Context, addr string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string, logger zerolog.Logger) (*Client, SubscribeResult, error) {
	u, err := normalizeAddr(addr)
	if err != nil {
		return nil, SubscribeResult{}, fmt.Errorf("upstream: bad address %q: %w", addr, err)
	}

	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, SubscribeResult{}, fmt.Errorf("upstream: dial %s: %w", addr, err)
	}

	req := subscribeRequest{Shard: shard, Checkpoint: checkpoint, OriginID: originID}
	payload, err := json.Marshal(req)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal subscribe request")
		return nil, SubscribeResult{}, fmt.Errorf("upstream: marshal subscribe request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "send subscribe request")
		return nil, SubscribeResult{}, fmt.Errorf("upstream: send subscribe request: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "read subscribe reply")
		return nil, SubscribeResult{}, fmt.Errorf("upstream: read subscribe reply: %w", err)
	}
	var reply subscribeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		conn.Close(websocket.StatusInternalError, "decode subscribe reply")
		return nil, SubscribeResult{}, fmt.Errorf("upstream: decode subscribe reply: %w", err)
	}
	if reply.Error != "" {
		conn.Close(websocket.StatusNormalClosure, "subscribe rejected")
		return nil, SubscribeResult{}, fmt.Errorf("upstream: core rejected subscribe: %s", reply.Error)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		addr:   addr,
		logger: logger.With().Str("component", "upstream").Str("addr", addr).Str("shard", string(shard)).Logger(),
		agent:  reply.Agent,
		down:   make(chan AgentDown, 1),
		batch:  make(chan rlogtypes.Batch, 256),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.receiveLoop(runCtx)
	go c.watch(runCtx)

	result := SubscribeResult{
		BootstrapNeeded: reply.BootstrapNeeded,
		Agent:           reply.Agent,
		Tables:          reply.Tables,
		StartingSeqNo:   reply.StartingSeqNo,
	}
	return c, result, nil
}

// Agent returns the handle of the agent serving this subscription.
func (c *Client) Agent() rlogtypes.AgentHandle { return c.agent }

// Batches returns the channel of decoded batches, closed when the
// connection ends.
func (c *Client) Batches() <-chan rlogtypes.Batch { return c.batch }

// Down signals the caller that the agent is presumed dead.
func (c *Client) Down() <-chan AgentDown { return c.down }

// Close tears down the connection and stops the background goroutines.
func (c *Client) Close() {
	c.cancel()
	<-c.done
	c.conn.Close(websocket.StatusNormalClosure, "replica closing")
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.batch)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.signalDown(fmt.Errorf("read tlog entry: %w", err))
			return
		}

		b, err := rlogtypes.UnmarshalBatch(data)
		if err != nil {
			c.logger.Err(err).Msg("discarding malformed tlog entry")
			continue
		}

		select {
		case c.batch <- b:
		case <-ctx.Done():
			return
		}
	}
}

// watch pings the connection on an interval so a silently wedged core node
// (process alive, network dead) is detected within one ping interval plus
// one ping timeout instead of waiting for a TCP-level timeout, mirroring the decoder's standby-status
// heartbeat but in the client→server direction.
func (c *Client) watch(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.signalDown(fmt.Errorf("liveness ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) signalDown(err error) {
	select {
	case c.down <- AgentDown{Agent: c.agent, Err: err}:
	default:
	}
}

func normalizeAddr(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		u.Scheme = "ws"
	}
	return u.String(), nil
}
