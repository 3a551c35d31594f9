package client

import (
	"time"
)

// enqueue admits a query to the FIFO, or fails it without enqueueing
// when the session can no longer execute anything. Runs on the loop.
func (c *Client) enqueue(pending *Pending) {
	if c.broken || (c.connected && !c.queryable && !c.ending && !c.ended) {
		c.later(func() { c.finishQuery(pending, ErrNotQueryable) })
		return
	}
	if c.ending || c.ended {
		c.later(func() { c.finishQuery(pending, ErrClosed) })
		return
	}

	if defaulter, ok := pending.handler.(BinaryDefaulter); ok && c.cfg.BinaryResults {
		defaulter.SetDefaultBinary(true)
	}
	if receiver, ok := pending.handler.(TypeMapReceiver); ok && c.cfg.Types != nil {
		receiver.SetTypeMap(c.cfg.Types)
	}

	if d, ok := c.queryReadTimeout(pending); ok {
		pending.timer = time.AfterFunc(d, func() {
			c.post(func() { c.handleQueryTimeout(pending) })
		})
	}

	c.queue = append(c.queue, pending)
	c.metrics.QueriesTotal.Inc()
	c.pulse()
}

// queryReadTimeout resolves the per-query read timeout: the handler's
// override when present, else the session default.
func (c *Client) queryReadTimeout(pending *Pending) (time.Duration, bool) {
	if t, ok := pending.handler.(ReadTimeouter); ok {
		if d, set := t.ReadTimeout(); set {
			return d, d > 0
		}
	}
	return c.cfg.QueryTimeout, c.cfg.QueryTimeout > 0
}

// pulse promotes the queue head to active when the connection is idle.
// Runs on the loop.
func (c *Client) pulse() {
	if !c.readyForQuery || c.active != nil || c.ended {
		return
	}

	if len(c.queue) == 0 {
		if c.hasExecuted {
			c.hasExecuted = false
			c.later(func() { emit(c.cfg.OnDrain) })
		}
		return
	}

	next := c.queue[0]
	c.queue = c.queue[1:]

	if next.finished {
		// Timed out while queued but not yet unlinked; skip it.
		c.pulse()
		return
	}

	c.active = next
	c.readyForQuery = false
	c.hasExecuted = true

	if skipper, ok := next.handler.(SkipsParse); ok {
		name, text := next.handler.Describe()
		skipper.SetParsed(name != "" && c.preparedStatements[name] == text)
	}

	if err := next.handler.Submit(c.frontend); err != nil {
		// Preflight failure: nothing reached the wire. Deliver the
		// error after the current event and try the next query.
		c.active = nil
		c.readyForQuery = true
		c.later(func() {
			if !next.finished {
				next.handler.HandleError(err)
			}
			c.finishQuery(next, err)
			c.pulse()
		})
		return
	}

	if err := c.frontend.Flush(); err != nil {
		// Bytes may be stranded mid-frame; this is a wire failure, not
		// a query failure.
		c.later(func() { c.handleTransportError(err) })
	}
}

// finishQuery completes a query's Pending exactly once. Runs on the
// loop (possibly via later).
func (c *Client) finishQuery(pending *Pending, err error) {
	if pending.finished {
		return
	}
	pending.finished = true
	if pending.timer != nil {
		pending.timer.Stop()
		pending.timer = nil
	}
	pending.err = err
	if err != nil {
		c.metrics.QueryErrorsTotal.Inc()
	}
	close(pending.done)
}

// handleQueryTimeout fires the per-query read timeout: the query is
// removed from the queue when still pending, its handler sees the
// timeout error, and any later completion for it is suppressed. The
// session itself stays healthy. Runs on the loop.
func (c *Client) handleQueryTimeout(pending *Pending) {
	if pending.finished {
		return
	}
	c.removeFromQueue(pending)
	pending.handler.HandleError(ErrQueryTimeout)
	c.finishQuery(pending, ErrQueryTimeout)
}

// removeFromQueue unlinks a query that has not been submitted yet.
func (c *Client) removeFromQueue(pending *Pending) bool {
	for i, queued := range c.queue {
		if queued == pending {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// failAllQueries delivers err to the active query and every queued
// query, exactly once each, asynchronously. Runs on the loop.
func (c *Client) failAllQueries(err error) {
	failing := make([]*Pending, 0, len(c.queue)+1)
	if c.active != nil {
		failing = append(failing, c.active)
		c.active = nil
	}
	failing = append(failing, c.queue...)
	c.queue = nil

	for _, pending := range failing {
		p := pending
		if p.finished {
			continue
		}
		c.later(func() {
			if p.finished {
				return
			}
			p.handler.HandleError(err)
			c.finishQuery(p, err)
		})
	}
}
