package mediator_test

import (
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-connector/internal/mediator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFile(sopInstanceUID string) mediator.ReceivedFile {
	return mediator.ReceivedFile{SOPClassUID: "1.2.840.10008.5.1.4.1.1.1", SOPInstanceUID: sopInstanceUID, Data: []byte{1, 2, 3}}
}

func TestConcurrentModeCorrelatesByMoveOriginator(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeConcurrent})

	corA := mediator.Correlator{MoveOriginatorAET: "GATEWAY", MoveOriginatorMessageID: 1}
	corB := mediator.Correlator{MoveOriginatorAET: "GATEWAY", MoveOriginatorMessageID: 2}

	subA, err := m.Subscribe(corA)
	require.NoError(t, err)
	subB, err := m.Subscribe(corB)
	require.NoError(t, err)

	assert.True(t, m.Publish(corA, newFile("1.1")))
	assert.True(t, m.Publish(corB, newFile("2.1")))

	select {
	case f := <-subA.Files():
		assert.Equal(t, "1.1", f.SOPInstanceUID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subA file")
	}

	select {
	case f := <-subB.Files():
		assert.Equal(t, "2.1", f.SOPInstanceUID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subB file")
	}
}

func TestPublishReturnsFalseWhenNoSubscriptionMatches(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeConcurrent})
	unknown := mediator.Correlator{MoveOriginatorAET: "NOBODY", MoveOriginatorMessageID: 99}
	assert.False(t, m.Publish(unknown, newFile("1.1")))
}

func TestCompleteClosesSubscriptionOnceExpectedDelivered(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeConcurrent})
	cor := mediator.Correlator{MoveOriginatorAET: "GATEWAY", MoveOriginatorMessageID: 1}

	sub, err := m.Subscribe(cor)
	require.NoError(t, err)

	require.True(t, m.Publish(cor, newFile("1.1")))
	require.True(t, m.Publish(cor, newFile("1.2")))
	m.Complete(cor, 2, 0)

	var received []string
	for f := range sub.Files() {
		received = append(received, f.SOPInstanceUID)
	}
	assert.ElementsMatch(t, []string{"1.1", "1.2"}, received)
	assert.NoError(t, sub.Err())
}

func TestCompleteBeforeAllFilesArriveWaitsForRemainder(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeConcurrent})
	cor := mediator.Correlator{MoveOriginatorAET: "GATEWAY", MoveOriginatorMessageID: 1}

	sub, err := m.Subscribe(cor)
	require.NoError(t, err)

	require.True(t, m.Publish(cor, newFile("1.1")))
	m.Complete(cor, 2, 0) // tally says 2 total, only 1 delivered so far

	select {
	case <-sub.Done():
		t.Fatal("subscription closed before the remaining file arrived")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, m.Publish(cor, newFile("1.2")))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription never closed after remainder arrived")
	}
}

func TestCancelDiscardsSubscription(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeConcurrent})
	cor := mediator.Correlator{MoveOriginatorAET: "GATEWAY", MoveOriginatorMessageID: 1}

	sub, err := m.Subscribe(cor)
	require.NoError(t, err)
	m.Cancel(sub)

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), mediator.ErrCancelled)
	assert.False(t, m.Publish(cor, newFile("1.1")))
}

func TestSequentialModeAllowsOnlyOneInFlight(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeSequential})

	sub, err := m.Subscribe(mediator.Correlator{MoveOriginatorAET: "A", MoveOriginatorMessageID: 1})
	require.NoError(t, err)

	_, err = m.Subscribe(mediator.Correlator{MoveOriginatorAET: "B", MoveOriginatorMessageID: 2})
	assert.ErrorIs(t, err, mediator.ErrSequentialBusy)

	// Any correlator routes to the one in-flight subscription in sequential mode.
	assert.True(t, m.Publish(mediator.Correlator{MoveOriginatorAET: "whatever", MoveOriginatorMessageID: 7}, newFile("1.1")))
	f := <-sub.Files()
	assert.Equal(t, "1.1", f.SOPInstanceUID)

	m.Complete(mediator.Correlator{}, 1, 0)
	<-sub.Done()

	// Freed for the next move once the prior subscription completes.
	_, err = m.Subscribe(mediator.Correlator{MoveOriginatorAET: "B", MoveOriginatorMessageID: 2})
	assert.NoError(t, err)
}

func TestStallTimeoutClosesIdleSubscription(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeConcurrent, StallTimeout: 20 * time.Millisecond})
	cor := mediator.Correlator{MoveOriginatorAET: "GATEWAY", MoveOriginatorMessageID: 1}

	sub, err := m.Subscribe(cor)
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription never stalled")
	}
	assert.ErrorIs(t, sub.Err(), mediator.ErrStalled)
}

func TestStatsReflectsOutstandingSubscriptions(t *testing.T) {
	m := mediator.New(mediator.Config{Mode: mediator.ModeConcurrent})
	assert.Equal(t, 0, m.Stats())

	cor := mediator.Correlator{MoveOriginatorAET: "GATEWAY", MoveOriginatorMessageID: 1}
	sub, err := m.Subscribe(cor)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats())

	m.Cancel(sub)
	assert.Equal(t, 0, m.Stats())
}
