package server

import (
	"strings"

	"github.com/absolute8511/redcon"
	"github.com/youzan/zangeo/livequery"
	"github.com/youzan/zangeo/metric"
)

type watchReply struct {
	msg   string
	err   error
	close bool
}

/* usage:
GEOWATCH longitude latitude radius m|km|ft|mi [WITHPAYLOAD] [MATCH pattern]

the connection is then owned by the watch, events are pushed as arrays:
  entered|moved key longitude latitude [payload]
  exited key
  ready
  error kind message
and these commands are accepted until UNWATCH:
  SETCENTER longitude latitude
  SETRADIUS radius m|km|ft|mi
  PING
  UNWATCH
*/
func (s *Server) geowatchCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) < 5 {
		wrongArgs(conn, "geowatch")
		return
	}
	c, _, err := parseCircle(cmd.Args[1:5])
	if err != nil {
		writeErr(conn, err)
		return
	}
	withPayload := false
	match := ""
	args := cmd.Args[5:]
	for i := 0; i < len(args); i++ {
		switch strings.ToLower(string(args[i])) {
		case "withpayload":
			withPayload = true
		case "match":
			if i+1 >= len(args) {
				writeErr(conn, errSyntax)
				return
			}
			match = string(args[i+1])
			i++
		default:
			writeErr(conn, errSyntax)
			return
		}
	}
	opts := []livequery.Option{
		livequery.WithPrecision(s.store.Precision()),
		livequery.WithDecomposer(s.decomposer),
		livequery.WithPayload(withPayload),
		livequery.WithLogger(sLog),
	}
	if match != "" {
		opts = append(opts, livequery.WithKeyMatch(match))
	}
	q, err := livequery.NewQuery(s.store, c, opts...)
	if err != nil {
		writeErr(conn, err)
		return
	}
	if !s.addWatch(q) {
		q.Close()
		writeErr(conn, errStopping)
		return
	}
	evC, _ := q.Events(s.conf.WatchQueueSize)
	if err := q.Start(); err != nil {
		// the failed ranges are also pushed as error events
		sLog.Infof("watch %v started with error: %v", q.ID(), err)
	}
	dconn := conn.Detach()
	sLog.Debugf("watch %v started for %v: %v", q.ID(), dconn.RemoteAddr(), c)
	go s.runWatch(dconn, q, evC, withPayload)
}

func (s *Server) runWatch(dconn redcon.DetachedConn, q *livequery.Query, evC <-chan livequery.Event, withPayload bool) {
	defer func() {
		q.Close()
		s.removeWatch(q)
		dconn.Close()
		sLog.Debugf("watch %v stopped", q.ID())
	}()
	replyC := make(chan watchReply, 1)
	go s.readWatchCommands(dconn, q, replyC)

	dconn.WriteString("OK")
	if err := dconn.Flush(); err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-evC:
			if !ok {
				return
			}
			writeWatchEvent(dconn, ev, withPayload)
			metric.EventCnt.WithLabelValues("watch_" + ev.Kind.String()).Inc()
		case r := <-replyC:
			if r.err != nil {
				writeErr(dconn, r.err)
			} else {
				dconn.WriteString(r.msg)
			}
			if r.close {
				dconn.Flush()
				return
			}
		}
		if err := dconn.Flush(); err != nil {
			sLog.Debugf("watch %v write failed: %v", q.ID(), err)
			return
		}
	}
}

func (s *Server) readWatchCommands(dconn redcon.DetachedConn, q *livequery.Query, replyC chan<- watchReply) {
	reply := func(r watchReply) bool {
		select {
		case replyC <- r:
			return true
		case <-q.Done():
			return false
		}
	}
	for {
		cmd, err := dconn.ReadCommand()
		if err != nil {
			q.Close()
			return
		}
		var r watchReply
		switch strings.ToLower(string(cmd.Args[0])) {
		case "setcenter":
			if len(cmd.Args) != 3 {
				r.err = errSyntax
				break
			}
			loc, err := parseLocation(cmd.Args[1], cmd.Args[2])
			if err == nil {
				err = q.SetCenter(loc)
			}
			r.msg, r.err = "OK", err
		case "setradius":
			if len(cmd.Args) != 3 {
				r.err = errSyntax
				break
			}
			radius, _, err := extractDistance(cmd.Args[1], cmd.Args[2])
			if err == nil {
				err = q.SetRadius(radius)
			}
			r.msg, r.err = "OK", err
		case "ping":
			r.msg = "PONG"
		case "unwatch", "quit":
			r.msg, r.close = "OK", true
		default:
			r.err = errWatchCommand
		}
		if !reply(r) || r.close {
			return
		}
	}
}

func writeWatchEvent(w redcon.DetachedConn, ev livequery.Event, withPayload bool) {
	switch ev.Kind {
	case livequery.Entered, livequery.Moved:
		n := 4
		if withPayload {
			n++
		}
		w.WriteArray(n)
		w.WriteBulkString(ev.Kind.String())
		w.WriteBulkString(ev.Key)
		w.WriteBulkString(formatFloat(ev.Location.Longitude))
		w.WriteBulkString(formatFloat(ev.Location.Latitude))
		if withPayload {
			if ev.Payload == nil {
				w.WriteNull()
			} else {
				w.WriteBulk(ev.Payload)
			}
		}
	case livequery.Exited:
		w.WriteArray(2)
		w.WriteBulkString(ev.Kind.String())
		w.WriteBulkString(ev.Key)
	case livequery.Ready:
		w.WriteArray(1)
		w.WriteBulkString(ev.Kind.String())
	case livequery.Error:
		w.WriteArray(3)
		w.WriteBulkString(ev.Kind.String())
		w.WriteBulkString(ev.ErrKind.String())
		w.WriteBulkString(ev.Err.Error())
	}
}
