// Package adapters maps DICOMweb QIDO-RS/WADO-RS/STOW-RS semantics onto a
// configured AET's backend (§9 Design Notes, polymorphic backend): DIMSE
// over pkg/dimse, a thin S3 stub, or a disabled stub that rejects
// everything. internal/handlers talks only to the PACSAdapter interface.
package adapters

import (
	"context"

	"github.com/otcheredev/ris-dicom-connector/internal/models"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
)

// RetrievedInstance is one instance streamed back by a retrieve operation,
// in arrival order. Err is set (and Data/TransferSyntax are zero) when the
// stream ended abnormally; the channel is always closed afterward.
type RetrievedInstance struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
	Err            error
}

// StoreInstance is one instance pushed to STOW-RS, already split out of
// its multipart/related body.
type StoreInstance struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// StoreResult is one instance's outcome from StoreInstances, backing the
// per-instance STOW-RS tally (§7, invariant "STOW tally").
type StoreResult struct {
	SOPClassUID    string
	SOPInstanceUID string
	Success        bool
	FailureStatus  dimsemsg.Status // DIMSE status carried on failure, STOW-RS tag 00081197's value
	ErrorComment   string
}

// PACSAdapter is implemented once per backend kind (DIMSE, S3, disabled).
type PACSAdapter interface {
	FindStudies(ctx context.Context, params models.QueryParams) ([]models.Study, error)
	FindSeries(ctx context.Context, studyUID string) ([]models.Series, error)
	FindInstances(ctx context.Context, studyUID, seriesUID string) ([]models.Instance, error)

	RetrieveStudy(ctx context.Context, studyUID string) (<-chan RetrievedInstance, error)
	RetrieveSeries(ctx context.Context, studyUID, seriesUID string) (<-chan RetrievedInstance, error)
	RetrieveInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) (<-chan RetrievedInstance, error)

	StoreInstances(ctx context.Context, instances []StoreInstance) ([]StoreResult, error)

	Echo(ctx context.Context) (*models.ConnectionStatus, error)

	// PoolStats reports association pool occupancy for the Prometheus
	// gauges and gateway-ctl pool-stats (§10, §13). ok is false for
	// backends with no pool (S3, disabled).
	PoolStats() (stats dimse.Stats, ok bool)

	Capabilities() []string
	Close() error
}
