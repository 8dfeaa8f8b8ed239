package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/otcheredev/ris-dicom-connector/internal/models"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
)

// ErrBackendDisabled is returned by every operation of the "disabled"
// backend variant (§6 configuration, backend=disabled).
var ErrBackendDisabled = errors.New("adapters: AET backend is disabled")

// ErrS3NotImplemented marks operations the S3 backend variant does not
// perform itself. S3 is an external collaborator whose interface is
// specified only where the gateway's core consumes it (§1 Non-goals); this
// adapter satisfies PACSAdapter so callers don't special-case the backend,
// without shipping an S3 client against a library absent from this corpus.
var ErrS3NotImplemented = errors.New("adapters: S3 backend not implemented in this gateway")

// DisabledAdapter rejects every operation for an AET configured with
// backend=disabled, so misconfiguration fails loudly at request time
// rather than silently dialing nothing.
type DisabledAdapter struct {
	aet string
}

func NewDisabledAdapter(aet string) *DisabledAdapter { return &DisabledAdapter{aet: aet} }

func (a *DisabledAdapter) Capabilities() []string { return nil }
func (a *DisabledAdapter) Close() error            { return nil }

func (a *DisabledAdapter) FindStudies(context.Context, models.QueryParams) ([]models.Study, error) {
	return nil, ErrBackendDisabled
}
func (a *DisabledAdapter) FindSeries(context.Context, string) ([]models.Series, error) {
	return nil, ErrBackendDisabled
}
func (a *DisabledAdapter) FindInstances(context.Context, string, string) ([]models.Instance, error) {
	return nil, ErrBackendDisabled
}
func (a *DisabledAdapter) RetrieveStudy(context.Context, string) (<-chan RetrievedInstance, error) {
	return nil, ErrBackendDisabled
}
func (a *DisabledAdapter) RetrieveSeries(context.Context, string, string) (<-chan RetrievedInstance, error) {
	return nil, ErrBackendDisabled
}
func (a *DisabledAdapter) RetrieveInstance(context.Context, string, string, string) (<-chan RetrievedInstance, error) {
	return nil, ErrBackendDisabled
}
func (a *DisabledAdapter) StoreInstances(context.Context, []StoreInstance) ([]StoreResult, error) {
	return nil, ErrBackendDisabled
}
func (a *DisabledAdapter) Echo(context.Context) (*models.ConnectionStatus, error) {
	return &models.ConnectionStatus{AET: a.aet, LastChecked: time.Now(), IsConnected: false, ErrorMessage: ErrBackendDisabled.Error()}, ErrBackendDisabled
}
func (a *DisabledAdapter) PoolStats() (dimse.Stats, bool) { return dimse.Stats{}, false }

// S3Adapter is a capability-set satisfier for the S3 backend variant. It
// advertises QIDO/WADO read-only capabilities but does not implement them:
// no S3 SDK is grounded anywhere in this corpus, and a hand-rolled one
// would not be an adaptation of teacher code, so wiring it is left to a
// dedicated object-store connector rather than invented here.
type S3Adapter struct {
	aet string
}

func NewS3Adapter(aet string) *S3Adapter { return &S3Adapter{aet: aet} }

func (a *S3Adapter) Capabilities() []string { return []string{"QIDO-RS", "WADO-RS"} }
func (a *S3Adapter) Close() error           { return nil }

func (a *S3Adapter) FindStudies(context.Context, models.QueryParams) ([]models.Study, error) {
	return nil, ErrS3NotImplemented
}
func (a *S3Adapter) FindSeries(context.Context, string) ([]models.Series, error) {
	return nil, ErrS3NotImplemented
}
func (a *S3Adapter) FindInstances(context.Context, string, string) ([]models.Instance, error) {
	return nil, ErrS3NotImplemented
}
func (a *S3Adapter) RetrieveStudy(context.Context, string) (<-chan RetrievedInstance, error) {
	return nil, ErrS3NotImplemented
}
func (a *S3Adapter) RetrieveSeries(context.Context, string, string) (<-chan RetrievedInstance, error) {
	return nil, ErrS3NotImplemented
}
func (a *S3Adapter) RetrieveInstance(context.Context, string, string, string) (<-chan RetrievedInstance, error) {
	return nil, ErrS3NotImplemented
}
func (a *S3Adapter) StoreInstances(context.Context, []StoreInstance) ([]StoreResult, error) {
	return nil, ErrS3NotImplemented
}
func (a *S3Adapter) Echo(context.Context) (*models.ConnectionStatus, error) {
	return &models.ConnectionStatus{AET: a.aet, LastChecked: time.Now(), IsConnected: false, ErrorMessage: ErrS3NotImplemented.Error()}, ErrS3NotImplemented
}
func (a *S3Adapter) PoolStats() (dimse.Stats, bool) { return dimse.Stats{}, false }
