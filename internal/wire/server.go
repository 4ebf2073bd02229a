package wire

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/warrendb/internal/catalog"
	"github.com/cuemby/warrendb/internal/dberr"
	"github.com/cuemby/warrendb/internal/engine"
	"github.com/cuemby/warrendb/internal/sqlmini"
	"github.com/cuemby/warrendb/internal/version"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
)

// Server accepts connections and dispatches each line as one sqlmini
// statement against a shared Coordinator and Catalog.
type Server struct {
	coord *engine.Coordinator
	cat   *catalog.Catalog

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server over an already-open Coordinator and
// Catalog.
func NewServer(coord *engine.Coordinator, cat *catalog.Catalog) *Server {
	return &Server{coord: coord, cat: cat}
}

// Serve accepts connections on addr until the listener is closed.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return dberr.Wrapf(dberr.FileCannotRW, err, "listen on %s", addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srvLog := log.WithComponent("wire")
	srvLog.Info().Str("addr", addr).Msg("server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		metrics.ConnectionsTotal.Inc()
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// session tracks the single transaction a connection may have open at a
// time; BEGIN pins an xid here until COMMIT or ABORT releases it.
type session struct {
	connID string
	xid    uint64
	active bool
}

func (s *Server) handleConn(netConn net.Conn) {
	connID := uuid.NewString()
	connLog := log.WithComponent("wire").With().Str("conn_id", connID).Logger()
	connLog.Info().Str("remote", netConn.RemoteAddr().String()).Msg("connection accepted")

	defer func() {
		netConn.Close()
		connLog.Info().Msg("connection closed")
	}()

	c := NewConn(netConn)
	sess := &session{connID: connID}

	for {
		pkt, err := c.ReadPacket()
		if err != nil {
			return
		}
		timer := metrics.NewTimer()
		resp := s.dispatch(sess, pkt.Payload)
		timer.ObserveDurationVec(metrics.RequestDuration, "statement")
		if resp.Tag == TagError {
			metrics.RequestErrors.WithLabelValues("statement").Inc()
		}
		if err := c.WritePacket(resp); err != nil {
			connLog.Warn().Err(err).Msg("failed writing response packet")
			return
		}
	}
}

func (s *Server) dispatch(sess *session, line string) Packet {
	stmt, err := sqlmini.Parse(line)
	if err != nil {
		return errorPacket(err)
	}

	switch stmt.Kind {
	case sqlmini.KindBegin:
		return s.handleBegin(sess, stmt)
	case sqlmini.KindCommit:
		return s.handleCommit(sess)
	case sqlmini.KindAbort:
		return s.handleAbort(sess)
	case sqlmini.KindShow:
		return DataPacket(strings.Join(s.cat.TableNames(), ","))
	case sqlmini.KindStatus:
		stats, err := s.coord.Stats()
		if err != nil {
			return errorPacket(err)
		}
		return DataPacket(fmt.Sprintf("pages=%d,next_xid=%d,open_handles=%d",
			stats.PageCount, stats.NextXID, stats.OpenHandles))
	case sqlmini.KindCreate:
		if err := s.cat.CreateTable(stmt.Table, stmt.Columns); err != nil {
			return errorPacket(err)
		}
		return DataPacket("OK")
	case sqlmini.KindSelect:
		return s.withTxn(sess, func(xid uint64) Packet {
			rows, err := s.cat.Select(xid, stmt.Table, stmt.Where)
			if err != nil {
				return errorPacket(err)
			}
			return DataPacket(renderRows(rows))
		})
	case sqlmini.KindInsert:
		return s.withTxn(sess, func(xid uint64) Packet {
			uid, err := s.cat.Insert(xid, stmt.Table, stmt.Values)
			if err != nil {
				return errorPacket(err)
			}
			return DataPacket(fmt.Sprintf("%d", uid))
		})
	case sqlmini.KindUpdate:
		return s.withTxn(sess, func(xid uint64) Packet {
			if err := s.cat.Update(xid, stmt.Table, stmt.UID, stmt.SetCols, stmt.Values); err != nil {
				return errorPacket(err)
			}
			return DataPacket("OK")
		})
	case sqlmini.KindDelete:
		return s.withTxn(sess, func(xid uint64) Packet {
			ok, err := s.cat.Delete(xid, stmt.Table, stmt.UID)
			if err != nil {
				return errorPacket(err)
			}
			if !ok {
				return DataPacket("NOTFOUND")
			}
			return DataPacket("OK")
		})
	default:
		return errorPacket(dberr.New(dberr.InvalidCommand, "unhandled statement kind"))
	}
}

// withTxn runs fn under the session's pinned transaction, or an
// implicit single-statement READ_COMMITTED transaction auto-committed
// immediately after, matching how clients expect bare DML to behave
// outside an explicit BEGIN/COMMIT block.
func (s *Server) withTxn(sess *session, fn func(xid uint64) Packet) Packet {
	if sess.active {
		return fn(sess.xid)
	}
	xid, err := s.coord.Versions.Begin(version.ReadCommitted)
	if err != nil {
		return errorPacket(err)
	}
	resp := fn(xid)
	if resp.Tag == TagError {
		s.coord.Versions.Abort(xid)
		return resp
	}
	if err := s.coord.Versions.Commit(xid); err != nil {
		return errorPacket(err)
	}
	return resp
}

func (s *Server) handleBegin(sess *session, stmt sqlmini.Statement) Packet {
	if sess.active {
		return errorPacket(dberr.New(dberr.NestedTransaction, "transaction already open on this connection"))
	}
	level := version.ReadCommitted
	if stmt.Level == "REPEATABLE_READ" {
		level = version.RepeatableRead
	}
	xid, err := s.coord.Versions.Begin(level)
	if err != nil {
		return errorPacket(err)
	}
	sess.xid = xid
	sess.active = true
	return DataPacket(fmt.Sprintf("%d", xid))
}

func (s *Server) handleCommit(sess *session) Packet {
	if !sess.active {
		return errorPacket(dberr.New(dberr.NoTransaction, "no open transaction on this connection"))
	}
	err := s.coord.Versions.Commit(sess.xid)
	sess.active = false
	if err != nil {
		return errorPacket(err)
	}
	return DataPacket("OK")
}

func (s *Server) handleAbort(sess *session) Packet {
	if !sess.active {
		return errorPacket(dberr.New(dberr.NoTransaction, "no open transaction on this connection"))
	}
	err := s.coord.Versions.Abort(sess.xid)
	sess.active = false
	if err != nil {
		return errorPacket(err)
	}
	return DataPacket("OK")
}

func errorPacket(err error) Packet {
	return ErrorPacket(err.Error())
}

func renderRows(rows [][]string) string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = strings.Join(r, ",")
	}
	return strings.Join(lines, ";")
}
