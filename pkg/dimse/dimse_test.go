package dimse_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/pdu"
)

// fakeSCP is a minimal acceptor used only to exercise the Association's
// negotiation and C-ECHO exchange against a real TCP connection, without
// pulling in internal/scp (which has its own store-SCP semantics).
type fakeSCP struct {
	listener net.Listener
}

func startFakeSCP(t *testing.T, handle func(conn net.Conn)) *fakeSCP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSCP{listener: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return s
}

func (s *fakeSCP) addr() (string, int) {
	tcpAddr := s.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (s *fakeSCP) close() { s.listener.Close() }

// acceptAssociation reads an A-ASSOCIATE-RQ and accepts every proposed
// presentation context with the first transfer syntax offered.
func acceptAssociation(t *testing.T, conn net.Conn) *pdu.AssociateRQ {
	t.Helper()
	raw, err := pdu.ReadRaw(conn)
	require.NoError(t, err)
	require.Equal(t, pdu.TypeAssociateRQ, raw.Type)

	rq, err := pdu.DecodeAssociateRQ(raw.Payload)
	require.NoError(t, err)

	ac := &pdu.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		UserInformation: pdu.UserInformation{
			MaxPduLength:           16384,
			ImplementationClassUID: "1.2.3.4.5",
		},
	}
	for _, pc := range rq.PresentationContexts {
		ts := pc.TransferSyntaxes[0]
		ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContext{
			ContextID:        pc.ContextID,
			Result:           pdu.ResultAcceptance,
			TransferSyntaxes: []string{ts},
		})
	}
	require.NoError(t, pdu.WriteRaw(conn, pdu.TypeAssociateAC, pdu.EncodeAssociateAC(ac)))
	return rq
}

func rejectAssociation(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := pdu.ReadRaw(conn)
	require.NoError(t, err)
	rj := &pdu.AssociateRJ{Result: pdu.RejectResultPermanent, Source: pdu.RejectSourceServiceUser, Reason: pdu.RejectReasonCalledAETitleNotRecognized}
	require.NoError(t, pdu.WriteRaw(conn, pdu.TypeAssociateRJ, pdu.EncodeAssociateRJ(rj)))
}

// serveEcho answers exactly one C-ECHO-RQ with a success response, then a
// graceful release.
func serveEcho(t *testing.T, conn net.Conn) {
	t.Helper()
	defer conn.Close()
	acceptAssociation(t, conn)

	raw, err := pdu.ReadRaw(conn)
	require.NoError(t, err)
	require.Equal(t, pdu.TypeDataTF, raw.Type)
	pdvs, err := pdu.DecodePDataTF(raw.Payload)
	require.NoError(t, err)
	require.Len(t, pdvs, 1)

	cmd, err := dimsemsg.Decode(pdvs[0].Value)
	require.NoError(t, err)
	msgID, _ := cmd.GetUint16(0, 0x0110)
	sopClass, _ := cmd.GetString(0, 0x0002)

	rsp := dimsemsg.CEchoRSP{MessageIDBeingRespondedTo: msgID, AffectedSOPClassUID: sopClass, Status: dimsemsg.StatusSuccess}
	rspBytes, err := rsp.CommandSet().Encode()
	require.NoError(t, err)
	require.NoError(t, pdu.WriteRaw(conn, pdu.TypeDataTF, pdu.EncodePDataTF([]pdu.PresentationDataValue{
		{ContextID: pdvs[0].ContextID, Command: true, Last: true, Value: rspBytes},
	})))

	raw, err = pdu.ReadRaw(conn)
	require.NoError(t, err)
	require.Equal(t, pdu.TypeReleaseRQ, raw.Type)
	require.NoError(t, pdu.WriteRaw(conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP()))
}

func echoProposals() []dimse.Proposal {
	return []dimse.Proposal{{AbstractSyntax: dimse.VerificationSOPClass, TransferSyntaxes: dimse.TransferSyntaxesFor(dimse.PolicyUncompressedOnly)}}
}

func TestAssociationConnectNegotiatesAndEchoes(t *testing.T) {
	scp := startFakeSCP(t, func(conn net.Conn) { serveEcho(t, conn) })
	defer scp.close()

	host, port := scp.addr()
	assoc := dimse.NewAssociation(dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "ORTHANC", Timeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, assoc.Connect(ctx, echoProposals()))
	assert.Equal(t, dimse.StateEstablished, assoc.State())

	require.NoError(t, assoc.Echo(ctx))
	require.NoError(t, assoc.Release(ctx))
	assert.Equal(t, dimse.StateClosed, assoc.State())
}

func TestAssociationConnectRejected(t *testing.T) {
	scp := startFakeSCP(t, func(conn net.Conn) { defer conn.Close(); rejectAssociation(t, conn) })
	defer scp.close()

	host, port := scp.addr()
	assoc := dimse.NewAssociation(dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "UNKNOWN", Timeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := assoc.Connect(ctx, echoProposals())
	require.Error(t, err)
	var rejected *dimse.AssociationRejected
	require.ErrorAs(t, err, &rejected)
}

func TestEchoFailsWithoutVerificationContext(t *testing.T) {
	scp := startFakeSCP(t, func(conn net.Conn) {
		defer conn.Close()
		acceptAssociation(t, conn)
		raw, err := pdu.ReadRaw(conn)
		if err == nil && raw.Type == pdu.TypeReleaseRQ {
			pdu.WriteRaw(conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP())
		}
	})
	defer scp.close()

	host, port := scp.addr()
	assoc := dimse.NewAssociation(dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "ORTHANC", Timeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, assoc.Connect(ctx, []dimse.Proposal{{AbstractSyntax: dimse.StudyRootFindSOPClass, TransferSyntaxes: dimse.TransferSyntaxesFor(dimse.PolicyUncompressedOnly)}}))

	err := assoc.Echo(ctx)
	var unacceptable *dimse.UnacceptablePresentationContext
	require.ErrorAs(t, err, &unacceptable)

	require.NoError(t, assoc.Release(ctx))
}

func TestPoolAcquireReleaseReusesAssociation(t *testing.T) {
	connCount := 0
	connected := make(chan struct{}, 4)
	scp := startFakeSCPLoop(t, func(conn net.Conn) {
		connCount++
		connected <- struct{}{}
		serveEcho(t, conn)
	})
	defer scp.close()

	host, port := scp.addr()
	pool := dimse.NewPool(dimse.PoolConfig{
		Config:    dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "ORTHANC", Timeout: 2 * time.Second},
		Proposals: echoProposals(),
		Size:      2,
	})
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assoc, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, assoc.Echo(ctx))
	pool.Release(assoc)

	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, assoc, again, "the released idle association should be handed out again")
	pool.Release(again)

	<-connected
	assert.Equal(t, 1, connCount, "only one TCP connection should have been dialed for sequential acquire/release")
}

// serveAcceptThenRelease accepts the association and answers whatever
// A-RELEASE-RQ eventually arrives, without expecting any DIMSE exchange in
// between. Used by pool tests that only exercise Acquire/Release.
func serveAcceptThenRelease(t *testing.T, conn net.Conn) {
	t.Helper()
	defer conn.Close()
	acceptAssociation(t, conn)
	raw, err := pdu.ReadRaw(conn)
	if err != nil {
		return
	}
	if raw.Type == pdu.TypeReleaseRQ {
		pdu.WriteRaw(conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP())
	}
}

func TestPoolConcurrentAcquireBlocksAtCap(t *testing.T) {
	scp := startFakeSCPLoop(t, func(conn net.Conn) { serveAcceptThenRelease(t, conn) })
	defer scp.close()

	host, port := scp.addr()
	pool := dimse.NewPool(dimse.PoolConfig{
		Config:      dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "ORTHANC", Timeout: 2 * time.Second},
		Proposals:   echoProposals(),
		Size:        1,
		WaitTimeout: 150 * time.Millisecond,
	})
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = pool.Acquire(ctx)
	require.Error(t, err, "a second acquire at cap should time out while the only slot is held")
	var timeout *dimse.PoolTimeout
	require.ErrorAs(t, err, &timeout)

	pool.Release(first)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err, "acquire should succeed once the held slot is released")
	pool.Release(second)
}

func TestPoolIdleExpiryDoesNotOverReleaseSemaphore(t *testing.T) {
	scp := startFakeSCPLoop(t, func(conn net.Conn) { serveAcceptThenRelease(t, conn) })
	defer scp.close()

	host, port := scp.addr()
	pool := dimse.NewPool(dimse.PoolConfig{
		Config:          dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "ORTHANC", Timeout: 2 * time.Second},
		Proposals:       echoProposals(),
		Size:            1,
		MaxIdleTime:     10 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
		WaitTimeout:     150 * time.Millisecond,
	})
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assoc, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(assoc)

	// Give the cleanup loop time to observe the idle association past its
	// MaxIdleTime and release it.
	time.Sleep(100 * time.Millisecond)

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer pool.Release(held)

	// If releaseIdleExpired (or Close) released the semaphore a second time
	// for an association whose slot was already freed at Pool.Release, the
	// pool's real capacity would now exceed Size=1 and this second acquire
	// would wrongly succeed while the first is still held.
	_, err = pool.Acquire(ctx)
	require.Error(t, err, "pool capacity must still be exactly Size=1 after an idle association expires")
}

func TestPoolDoesNotReuseBrokenAssociation(t *testing.T) {
	var mu sync.Mutex
	connCount := 0
	scp := startFakeSCPLoop(t, func(conn net.Conn) {
		mu.Lock()
		connCount++
		n := connCount
		mu.Unlock()

		acceptAssociation(t, conn)
		if n == 1 {
			conn.Close() // the peer vanishes mid-association
			return
		}
		waitForRelease(t, conn)
	})
	defer scp.close()

	host, port := scp.addr()
	pool := dimse.NewPool(dimse.PoolConfig{
		Config:    dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "ORTHANC", Timeout: 2 * time.Second},
		Proposals: echoProposals(),
		Size:      1,
	})
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !first.IsUsable() }, time.Second, 10*time.Millisecond,
		"association should observe the peer-closed connection and mark itself unusable")
	pool.Release(first)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, connCount, "a broken association must not be reused; the pool should dial a fresh one")
}

// waitForRelease answers a release request without re-accepting an
// association (the caller already did that).
func waitForRelease(t *testing.T, conn net.Conn) {
	t.Helper()
	defer conn.Close()
	raw, err := pdu.ReadRaw(conn)
	if err != nil {
		return
	}
	if raw.Type == pdu.TypeReleaseRQ {
		pdu.WriteRaw(conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP())
	}
}

func TestFindCollectsPendingResultsUntilFinalResponse(t *testing.T) {
	scp := startFakeSCP(t, func(conn net.Conn) {
		defer conn.Close()
		acceptAssociation(t, conn)

		raw, err := pdu.ReadRaw(conn)
		require.NoError(t, err)
		pdvs, err := pdu.DecodePDataTF(raw.Payload)
		require.NoError(t, err)
		cmd, err := dimsemsg.Decode(pdvs[0].Value)
		require.NoError(t, err)
		msgID, _ := cmd.GetUint16(0, 0x0110)

		for i := 0; i < 2; i++ {
			rsp := dimsemsg.CFindRSP{MessageIDBeingRespondedTo: msgID, AffectedSOPClassUID: dimse.StudyRootFindSOPClass, Status: dimsemsg.StatusPending, HasIdentifier: true}
			rspBytes, err := rsp.CommandSet().Encode()
			require.NoError(t, err)
			identifier := []byte("identifier-" + string(rune('A'+i)))
			require.NoError(t, pdu.WriteRaw(conn, pdu.TypeDataTF, pdu.EncodePDataTF([]pdu.PresentationDataValue{
				{ContextID: pdvs[0].ContextID, Command: true, Last: true, Value: rspBytes},
				{ContextID: pdvs[0].ContextID, Command: false, Last: true, Value: identifier},
			})))
		}

		final := dimsemsg.CFindRSP{MessageIDBeingRespondedTo: msgID, AffectedSOPClassUID: dimse.StudyRootFindSOPClass, Status: dimsemsg.StatusSuccess}
		finalBytes, err := final.CommandSet().Encode()
		require.NoError(t, err)
		require.NoError(t, pdu.WriteRaw(conn, pdu.TypeDataTF, pdu.EncodePDataTF([]pdu.PresentationDataValue{
			{ContextID: pdvs[0].ContextID, Command: true, Last: true, Value: finalBytes},
		})))

		raw, err = pdu.ReadRaw(conn)
		require.NoError(t, err)
		require.Equal(t, pdu.TypeReleaseRQ, raw.Type)
		require.NoError(t, pdu.WriteRaw(conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP()))
	})
	defer scp.close()

	host, port := scp.addr()
	assoc := dimse.NewAssociation(dimse.Config{Host: host, Port: port, CallingAET: "GATEWAY", CalledAET: "ORTHANC", Timeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, assoc.Connect(ctx, []dimse.Proposal{{AbstractSyntax: dimse.StudyRootFindSOPClass, TransferSyntaxes: dimse.TransferSyntaxesFor(dimse.PolicyUncompressedOnly)}}))

	results, status, err := assoc.Find(ctx, dimse.StudyRootFindSOPClass, dimsemsg.PriorityMedium, []byte("query"), 0)
	require.NoError(t, err)
	assert.Equal(t, dimsemsg.ClassSuccess, status.Class())
	require.Len(t, results, 2)
	assert.Equal(t, "identifier-A", string(results[0].Identifier))
	assert.Equal(t, "identifier-B", string(results[1].Identifier))

	require.NoError(t, assoc.Release(ctx))
}

// startFakeSCPLoop accepts connections in a loop rather than just once, so
// the test can observe whether the pool reused an association instead of
// dialing a fresh one.
func startFakeSCPLoop(t *testing.T, handle func(conn net.Conn)) *fakeSCP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSCP{listener: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return s
}
