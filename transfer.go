package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"dccbot/config"
)

// LineSender is the narrow capability a Transfer Engine needs from a
// Session: write one already-formatted IRC line. It is defined here, at the
// point of use, so the Engine never depends on the rest of Session's state.
type LineSender interface {
	SendLine(line string) error
}

// Engine executes one DCC reception to completion or failure, per §4.3. It
// implements transferHandle so the Registry can request cancellation
// without owning the Engine's goroutine.
type Engine struct {
	key      TransferKey
	offer    *DCCOffer
	sess     LineSender
	registry *Registry
	global   *config.GlobalConfig
	log      *Telemetry

	cancelOnce sync.Once
	cancelCh   chan struct{}
	acceptCh   chan *DCCAcceptMsg
}

// NewEngine constructs an Engine ready to Run. sess is used only to write
// the DCC RESUME / passive-SEND-reply CTCP lines back to the peer.
func NewEngine(key TransferKey, offer *DCCOffer, sess LineSender, registry *Registry, global *config.GlobalConfig, log *Telemetry) *Engine {
	return &Engine{
		key:      key,
		offer:    offer,
		sess:     sess,
		registry: registry,
		global:   global,
		log:      log,
		cancelCh: make(chan struct{}),
		acceptCh: make(chan *DCCAcceptMsg, 1),
	}
}

// Cancel implements transferHandle. It is safe to call more than once.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

// OfferAccept delivers a DCC ACCEPT reply from the peer to a pending resume
// negotiation. It is routed here by the Supervisor, which matches the
// accept's (peer, filename) to the waiting Engine.
func (e *Engine) OfferAccept(msg *DCCAcceptMsg) {
	select {
	case e.acceptCh <- msg:
	default:
	}
}

// Run executes the full sequencing of §4.3. It never panics or returns an
// error to the caller: all outcomes are recorded into the Registry.
func (e *Engine) Run(ctx context.Context) {
	if err := ValidateOffer(e.offer, e.global.MaxFileSize, e.global.AllowPrivateIPs); err != nil {
		e.log.Warnf("transfer", "%s: rejected offer: %v", e.key, err)
		return
	}

	partialPath := filepath.Join(e.global.DownloadPath, e.key.Filename+e.global.IncompleteSuffix)
	finalPath := filepath.Join(e.global.DownloadPath, e.key.Filename)

	if _, err := e.registry.Insert(e.key, e.offer.Size, 0, e); err != nil {
		e.log.Warnf("transfer", "%s: %v", e.key, err)
		return
	}

	offset, complete := e.negotiateOffset(ctx, partialPath)
	if complete {
		// The partial on disk already covers the whole offer. Finish in
		// place rather than dialing out and re-downloading what we already
		// have.
		e.registry.Update(e.key, func(t *Transfer) {
			t.Offset = offset
			t.Status = StatusInProgress
		})
		e.finish(partialPath, finalPath)
		return
	}
	e.registry.Update(e.key, func(t *Transfer) {
		t.Offset = offset
		t.Status = StatusInProgress
	})

	conn, err := e.establishConn(ctx)
	if err != nil {
		e.fail(err)
		return
	}
	defer conn.Close()

	e.stream(ctx, conn, partialPath, finalPath, offset)
}

// negotiateOffset inspects the target directory for an existing partial
// file and, for active-DCC offers, attempts a DCC RESUME. It returns the
// byte offset the transfer should start at, and whether that offset already
// equals the full offer size (in which case the partial needs no further
// network I/O at all, only the finish-time MD5 check and rename).
func (e *Engine) negotiateOffset(ctx context.Context, partialPath string) (offset uint64, complete bool) {
	info, err := os.Stat(partialPath)
	if err != nil || info.Size() <= 0 {
		return 0, false
	}
	if uint64(info.Size()) >= e.offer.Size {
		return e.offer.Size, true
	}
	if e.offer.Passive() {
		// A peer awaiting our connect-back has no listening port to resume
		// against; start over rather than guess at a position.
		return 0, false
	}

	partialSize := uint64(info.Size())
	resume := EncodeDCCResume(e.key.Filename, e.offer.Port, partialSize, e.offer.Token)
	line := FormatLine("PRIVMSG", []string{e.key.Peer}, EncodeCTCP(resume))
	if err := e.sess.SendLine(line); err != nil {
		return 0, false
	}

	select {
	case msg := <-e.acceptCh:
		return msg.Position, false
	case <-time.After(time.Duration(e.global.ResumeTimeout) * time.Second):
		os.Remove(partialPath)
		return 0, false
	case <-e.cancelCh:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}

// establishConn opens the DCC data connection: an active dial for a normal
// offer, or a listen-then-reply for a passive/reverse offer, per §4.3 step 3.
func (e *Engine) establishConn(ctx context.Context) (net.Conn, error) {
	if e.offer.Passive() {
		return e.acceptPassive(ctx)
	}

	dialer := &net.Dialer{Timeout: time.Duration(e.global.ResumeTimeout) * time.Second}
	addr := net.JoinHostPort(e.offer.IP.String(), strconv.Itoa(int(e.offer.Port)))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errWrapNetwork(err)
	}
	if !e.offer.Secure {
		return conn, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, errWrapNetwork(err)
	}
	return tlsConn, nil
}

func (e *Engine) acceptPassive(ctx context.Context) (net.Conn, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, errWrapNetwork(err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	reply := EncodeDCCSendReply(e.key.Filename, localAdvertiseIP(), uint16(port), e.offer.Size, e.offer.Token)
	line := FormatLine("PRIVMSG", []string{e.key.Peer}, EncodeCTCP(reply))
	if err := e.sess.SendLine(line); err != nil {
		return nil, err
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		resultCh <- result{conn, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, errWrapNetwork(r.err)
		}
		if !e.offer.Secure {
			return r.conn, nil
		}
		tlsConfig, _, err := dccServerTLSConfig()
		if err != nil {
			r.conn.Close()
			return nil, errWrapNetwork(err)
		}
		tlsConn := tls.Server(r.conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			r.conn.Close()
			return nil, errWrapNetwork(err)
		}
		return tlsConn, nil
	case <-time.After(time.Duration(e.global.ResumeTimeout) * time.Second):
		return nil, errWrapNetwork(fmt.Errorf("passive DCC accept timed out"))
	case <-e.cancelCh:
		return nil, errors.Wrap(ErrCancelled, "cancelled before peer connected")
	case <-ctx.Done():
		return nil, errors.Wrap(ErrCancelled, ctx.Err().Error())
	}
}

// stream performs the read/write/ACK loop of §4.3 step 4, including MIME
// gating and progress reporting, then finalizes the Transfer.
func (e *Engine) stream(ctx context.Context, conn net.Conn, partialPath, finalPath string, offset uint64) {
	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.fail(errors.Wrap(ErrInternal, "open output: "+err.Error()))
		return
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		e.fail(errors.Wrap(ErrInternal, "seek output: "+err.Error()))
		return
	}

	// Closing conn on cancellation unblocks a pending Read, so a cancel is
	// observed within one chunk instead of after perChunkReadTimeout.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-e.cancelCh:
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	var (
		buf           = make([]byte, dccChunkSize)
		received      uint64
		mimeBuf       bytes.Buffer
		classified    bool
		lastReportAt  = time.Now()
		lastReportAmt uint64
	)

	for {
		select {
		case <-e.cancelCh:
			f.Close()
			e.registry.Update(e.key, func(t *Transfer) {
				t.Status = StatusCancelled
				t.Error = ErrCancelled.Error()
			})
			return
		case <-ctx.Done():
			f.Close()
			e.registry.Update(e.key, func(t *Transfer) {
				t.Status = StatusCancelled
				t.Error = ErrCancelled.Error()
			})
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(perChunkReadTimeout))
		n, readErr := conn.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				e.fail(errors.Wrap(ErrInternal, "write: "+werr.Error()))
				return
			}
			received += uint64(n)

			if !classified {
				mimeBuf.Write(buf[:n])
				if mimeBuf.Len() >= mimeSniffThreshold || received+offset >= e.offer.Size {
					classified = true
					mime := http.DetectContentType(mimeBuf.Bytes())
					if !e.global.MimetypeAllowed(mime) {
						f.Close()
						os.Remove(partialPath)
						e.fail(errors.Wrapf(ErrDisallowedMime, "detected %q", mime))
						return
					}
				}
			}

			var ack [4]byte
			binary.BigEndian.PutUint32(ack[:], uint32(received+offset))
			conn.Write(ack[:])

			if now := time.Now(); now.Sub(lastReportAt) >= time.Second {
				speed := float64(received-lastReportAmt) / now.Sub(lastReportAt).Seconds()
				e.registry.Update(e.key, func(t *Transfer) {
					t.Received = received
					t.Speed = speed
				})
				lastReportAt, lastReportAmt = now, received
			}
		}

		if received+offset >= e.offer.Size {
			break
		}
		if readErr != nil && !errors.Is(readErr, net.ErrClosed) {
			f.Close()
			e.registry.Update(e.key, func(t *Transfer) { t.Received = received })
			if nerr, ok := readErr.(net.Error); ok && nerr.Timeout() {
				e.fail(errors.Wrap(ErrShortRead, "stalled"))
				return
			}
			e.fail(errors.Wrapf(ErrShortRead, "connection closed at %d/%d bytes: %v", received+offset, e.offer.Size, readErr))
			return
		}
	}

	f.Close()
	e.registry.Update(e.key, func(t *Transfer) { t.Received = received })
	e.finish(partialPath, finalPath)
}

func (e *Engine) finish(partialPath, finalPath string) {
	tr, _ := e.registry.Get(e.key)

	var computed string
	if e.global.AutoMD5Sum || tr.MD5Advertised != "" {
		if sum, err := md5File(partialPath); err == nil {
			computed = sum
		} else {
			e.log.Warnf("transfer", "%s: md5 computation failed: %v", e.key, err)
		}
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		e.fail(errors.Wrap(ErrInternal, "rename: "+err.Error()))
		return
	}

	status := StatusCompleted
	errMsg := ""
	if tr.MD5Advertised != "" && computed != "" && !strings.EqualFold(tr.MD5Advertised, computed) {
		status = StatusFailed
		errMsg = errors.Wrapf(ErrChecksumMismatch, "advertised %s, computed %s", tr.MD5Advertised, computed).Error()
	}
	e.registry.Update(e.key, func(t *Transfer) {
		t.Status = status
		t.MD5Computed = computed
		t.Error = errMsg
	})
}

// fail records a terminal error on the Transfer. err is expected to wrap one
// of the sentinel errors in errors.go so the control plane can classify it
// via kindOf.
func (e *Engine) fail(err error) {
	e.registry.Update(e.key, func(t *Transfer) {
		t.Status = StatusFailed
		t.Error = err.Error()
	})
}

func errWrapNetwork(err error) error {
	return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// localAdvertiseIP returns an outbound-routable local address for passive
// DCC replies. The dial target is never actually reached (UDP, TEST-NET-3);
// it only forces the OS to pick a source address for the chosen route.
func localAdvertiseIP() net.IP {
	conn, err := net.Dial("udp", "203.0.113.1:9")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
