package adapters

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-connector/internal/config"
	"github.com/otcheredev/ris-dicom-connector/internal/mediator"
	"github.com/otcheredev/ris-dicom-connector/internal/models"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/pdu"
)

// fakePACS accepts exactly one association and lets the caller drive the
// exchange, mirroring the harness pkg/dimse uses to test the SCU side
// without a real PACS peer.
type fakePACS struct {
	listener net.Listener
}

func startFakePACS(t *testing.T, handle func(conn net.Conn)) *fakePACS {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakePACS{listener: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return s
}

func (s *fakePACS) aet(backend config.Backend, poolSize int) config.AET {
	tcpAddr := s.listener.Addr().(*net.TCPAddr)
	return config.AET{
		AET:     "ORTHANC",
		Host:    tcpAddr.IP.String(),
		Port:    tcpAddr.Port,
		Backend: backend,
		Pool:    config.PoolSettings{Size: poolSize, TimeoutMS: 2000},
	}
}

func (s *fakePACS) close() { s.listener.Close() }

func acceptAssociationForTest(t *testing.T, conn net.Conn) *pdu.AssociateRQ {
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
		ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContext{
			ContextID:        pc.ContextID,
			Result:           pdu.ResultAcceptance,
			TransferSyntaxes: []string{pc.TransferSyntaxes[0]},
		})
	}
	require.NoError(t, pdu.WriteRaw(conn, pdu.TypeAssociateAC, pdu.EncodeAssociateAC(ac)))
	return rq
}

func releaseGracefully(t *testing.T, conn net.Conn) {
	t.Helper()
	raw, err := pdu.ReadRaw(conn)
	require.NoError(t, err)
	require.Equal(t, pdu.TypeReleaseRQ, raw.Type)
	require.NoError(t, pdu.WriteRaw(conn, pdu.TypeReleaseRP, pdu.EncodeReleaseRP()))
}

func TestDIMSEAdapterEchoReportsConnectionStatus(t *testing.T) {
	scp := startFakePACS(t, func(conn net.Conn) {
		defer conn.Close()
		acceptAssociationForTest(t, conn)

		raw, err := pdu.ReadRaw(conn)
		require.NoError(t, err)
		pdvs, err := pdu.DecodePDataTF(raw.Payload)
		require.NoError(t, err)
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

		releaseGracefully(t, conn)
	})
	defer scp.close()

	adapter, err := NewDIMSEAdapter("GATEWAY", scp.aet(config.BackendDIMSE, 2), mediator.New(mediator.Config{Mode: mediator.ModeConcurrent}))
	require.NoError(t, err)
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := adapter.Echo(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsConnected)
	assert.Equal(t, "ORTHANC", status.AET)
}

func TestDIMSEAdapterFindStudiesParsesIdentifiers(t *testing.T) {
	scp := startFakePACS(t, func(conn net.Conn) {
		defer conn.Close()
		acceptAssociationForTest(t, conn)

		raw, err := pdu.ReadRaw(conn)
		require.NoError(t, err)
		pdvs, err := pdu.DecodePDataTF(raw.Payload)
		require.NoError(t, err)
		cmd, err := dimsemsg.Decode(pdvs[0].Value)
		require.NoError(t, err)
		msgID, _ := cmd.GetUint16(0, 0x0110)

		identifier, err := buildStudyQueryIdentifier(models.QueryParams{PatientID: "PAT77", StudyDescription: "HEAD"})
		require.NoError(t, err)

		rsp := dimsemsg.CFindRSP{MessageIDBeingRespondedTo: msgID, AffectedSOPClassUID: dimse.StudyRootFindSOPClass, Status: dimsemsg.StatusPending, HasIdentifier: true}
		rspBytes, err := rsp.CommandSet().Encode()
		require.NoError(t, err)
		require.NoError(t, pdu.WriteRaw(conn, pdu.TypeDataTF, pdu.EncodePDataTF([]pdu.PresentationDataValue{
			{ContextID: pdvs[0].ContextID, Command: true, Last: true, Value: rspBytes},
			{ContextID: pdvs[0].ContextID, Command: false, Last: true, Value: identifier},
		})))

		final := dimsemsg.CFindRSP{MessageIDBeingRespondedTo: msgID, AffectedSOPClassUID: dimse.StudyRootFindSOPClass, Status: dimsemsg.StatusSuccess}
		finalBytes, err := final.CommandSet().Encode()
		require.NoError(t, err)
		require.NoError(t, pdu.WriteRaw(conn, pdu.TypeDataTF, pdu.EncodePDataTF([]pdu.PresentationDataValue{
			{ContextID: pdvs[0].ContextID, Command: true, Last: true, Value: finalBytes},
		})))

		releaseGracefully(t, conn)
	})
	defer scp.close()

	adapter, err := NewDIMSEAdapter("GATEWAY", scp.aet(config.BackendDIMSE, 2), mediator.New(mediator.Config{Mode: mediator.ModeConcurrent}))
	require.NoError(t, err)
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	studies, err := adapter.FindStudies(ctx, models.QueryParams{PatientID: "PAT77"})
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, "PAT77", studies[0].PatientID)
	assert.Equal(t, "HEAD", studies[0].StudyDescription)
}

func TestDIMSEAdapterStoreInstancesSucceedsForNegotiatedStorageSOPClass(t *testing.T) {
	const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

	scp := startFakePACS(t, func(conn net.Conn) {
		defer conn.Close()
		acceptAssociationForTest(t, conn)

		raw, err := pdu.ReadRaw(conn)
		require.NoError(t, err)
		pdvs, err := pdu.DecodePDataTF(raw.Payload)
		require.NoError(t, err)
		cmd, err := dimsemsg.Decode(pdvs[0].Value)
		require.NoError(t, err)
		msgID, _ := cmd.GetUint16(0, 0x0110)
		sopInstanceUID, _ := cmd.GetString(0, 0x1000)

		rsp := dimsemsg.CStoreRSP{MessageIDBeingRespondedTo: msgID, AffectedSOPClassUID: ctImageStorage, AffectedSOPInstanceUID: sopInstanceUID, Status: dimsemsg.StatusSuccess}
		rspBytes, err := rsp.CommandSet().Encode()
		require.NoError(t, err)
		require.NoError(t, pdu.WriteRaw(conn, pdu.TypeDataTF, pdu.EncodePDataTF([]pdu.PresentationDataValue{
			{ContextID: pdvs[0].ContextID, Command: true, Last: true, Value: rspBytes},
		})))

		releaseGracefully(t, conn)
	})
	defer scp.close()

	adapter, err := NewDIMSEAdapter("GATEWAY", scp.aet(config.BackendDIMSE, 2), mediator.New(mediator.Config{Mode: mediator.ModeConcurrent}))
	require.NoError(t, err)
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := adapter.StoreInstances(ctx, []StoreInstance{{SOPClassUID: ctImageStorage, SOPInstanceUID: "1.2.3.4", Data: []byte{1, 2, 3}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].ErrorComment)
}

func TestDIMSEAdapterStoreInstancesReportsFailureWhenPeerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpAddr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listens on this port now

	aet := config.AET{
		AET:     "ORTHANC",
		Host:    tcpAddr.IP.String(),
		Port:    tcpAddr.Port,
		Backend: config.BackendDIMSE,
		Pool:    config.PoolSettings{Size: 1, TimeoutMS: 200},
	}
	adapter, err := NewDIMSEAdapter("GATEWAY", aet, mediator.New(mediator.Config{Mode: mediator.ModeConcurrent}))
	require.NoError(t, err)
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	results, err := adapter.StoreInstances(ctx, []StoreInstance{{SOPClassUID: "1.2.840.10008.5.1.4.1.1.1", SOPInstanceUID: "1.2.3"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].ErrorComment)
}
