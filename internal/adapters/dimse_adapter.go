package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-connector/internal/config"
	"github.com/otcheredev/ris-dicom-connector/internal/mediator"
	"github.com/otcheredev/ris-dicom-connector/internal/models"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse/dimsemsg"
)

// DIMSEAdapter maps DICOMweb operations onto C-FIND/C-MOVE/C-STORE/C-ECHO
// against one configured PACS peer (§4, §9). Each adapter owns a bounded
// association pool and shares the process-wide move mediator so inbound
// C-STORE sub-operations from a C-MOVE it issues can be correlated back to
// the WADO-RS request waiting on them.
type DIMSEAdapter struct {
	aet        string
	callingAET string
	pool       *dimse.Pool
	mediator   *mediator.Mediator
	log        zerolog.Logger
}

// NewDIMSEAdapter builds the association pool for one AET and wires it to
// the shared move mediator used by the store-SCP listener.
func NewDIMSEAdapter(callingAET string, aet config.AET, m *mediator.Mediator) (*DIMSEAdapter, error) {
	proposals := []dimse.Proposal{
		{AbstractSyntax: dimse.VerificationSOPClass, TransferSyntaxes: dimse.TransferSyntaxesFor(dimse.PolicyUncompressedOnly)},
		{AbstractSyntax: dimse.StudyRootFindSOPClass, TransferSyntaxes: []string{dimse.TransferSyntaxImplicitVRLittleEndian, dimse.TransferSyntaxExplicitVRLittleEndian}},
		{AbstractSyntax: dimse.StudyRootMoveSOPClass, TransferSyntaxes: []string{dimse.TransferSyntaxImplicitVRLittleEndian, dimse.TransferSyntaxExplicitVRLittleEndian}},
	}
	// STOW-RS pushes arbitrary modalities; a context must be proposed per
	// storage SOP class or the C-STORE-RQ comes back UnacceptablePresentationContext.
	for _, sopClass := range dimse.StorageSOPClasses {
		proposals = append(proposals, dimse.Proposal{AbstractSyntax: sopClass, TransferSyntaxes: dimse.TransferSyntaxesFor(dimse.PolicyUncompressedOnly)})
	}

	pool := dimse.NewPool(dimse.PoolConfig{
		Config: dimse.Config{
			Host:       aet.Host,
			Port:       aet.Port,
			CallingAET: callingAET,
			CalledAET:  aet.AET,
			Timeout:    aet.Pool.Timeout(),
		},
		Proposals:   proposals,
		Size:        aet.Pool.Size,
		WaitTimeout: aet.Pool.Timeout(),
	})

	return &DIMSEAdapter{
		aet:        aet.AET,
		callingAET: callingAET,
		pool:       pool,
		mediator:   m,
		log:        log.With().Str("component", "adapters.dimse").Str("aet", aet.AET).Logger(),
	}, nil
}

func (d *DIMSEAdapter) Capabilities() []string {
	return []string{"C-FIND", "C-MOVE", "C-STORE", "C-ECHO"}
}

func (d *DIMSEAdapter) Close() error { return d.pool.Close() }

func (d *DIMSEAdapter) PoolStats() (dimse.Stats, bool) { return d.pool.Stats(), true }

func (d *DIMSEAdapter) Echo(ctx context.Context) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{AET: d.aet, LastChecked: start}

	assoc, err := d.pool.Acquire(ctx)
	if err != nil {
		status.ErrorMessage = err.Error()
		return status, err
	}
	defer d.pool.Release(assoc)

	if err := assoc.Echo(ctx); err != nil {
		status.ResponseTime = time.Since(start).Milliseconds()
		status.ErrorMessage = err.Error()
		return status, err
	}
	status.ResponseTime = time.Since(start).Milliseconds()
	status.IsConnected = true
	return status, nil
}

func (d *DIMSEAdapter) FindStudies(ctx context.Context, params models.QueryParams) ([]models.Study, error) {
	identifier, err := buildStudyQueryIdentifier(params)
	if err != nil {
		return nil, fmt.Errorf("building study query identifier: %w", err)
	}
	results, status, err := d.find(ctx, dimse.StudyRootFindSOPClass, identifier, params.Limit)
	if err != nil {
		return nil, err
	}
	if status.Class() == dimsemsg.ClassFailure {
		return nil, fmt.Errorf("C-FIND-STUDY failed with status %s", status)
	}
	studies := make([]models.Study, 0, len(results))
	for _, r := range results {
		s, err := identifierToStudy(r.Identifier)
		if err != nil {
			d.log.Warn().Err(err).Msg("dropping unparsable C-FIND-STUDY result")
			continue
		}
		studies = append(studies, s)
	}
	return studies, nil
}

func (d *DIMSEAdapter) FindSeries(ctx context.Context, studyUID string) ([]models.Series, error) {
	identifier, err := buildSeriesQueryIdentifier(studyUID)
	if err != nil {
		return nil, fmt.Errorf("building series query identifier: %w", err)
	}
	results, status, err := d.find(ctx, dimse.StudyRootFindSOPClass, identifier, 0)
	if err != nil {
		return nil, err
	}
	if status.Class() == dimsemsg.ClassFailure {
		return nil, fmt.Errorf("C-FIND-SERIES failed with status %s", status)
	}
	series := make([]models.Series, 0, len(results))
	for _, r := range results {
		s, err := identifierToSeries(r.Identifier)
		if err != nil {
			d.log.Warn().Err(err).Msg("dropping unparsable C-FIND-SERIES result")
			continue
		}
		series = append(series, s)
	}
	return series, nil
}

func (d *DIMSEAdapter) FindInstances(ctx context.Context, studyUID, seriesUID string) ([]models.Instance, error) {
	identifier, err := buildInstanceQueryIdentifier(studyUID, seriesUID)
	if err != nil {
		return nil, fmt.Errorf("building instance query identifier: %w", err)
	}
	results, status, err := d.find(ctx, dimse.StudyRootFindSOPClass, identifier, 0)
	if err != nil {
		return nil, err
	}
	if status.Class() == dimsemsg.ClassFailure {
		return nil, fmt.Errorf("C-FIND-INSTANCE failed with status %s", status)
	}
	instances := make([]models.Instance, 0, len(results))
	for _, r := range results {
		inst, err := identifierToInstance(r.Identifier)
		if err != nil {
			d.log.Warn().Err(err).Msg("dropping unparsable C-FIND-INSTANCE result")
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (d *DIMSEAdapter) find(ctx context.Context, abstractSyntax string, identifier []byte, limit int) ([]dimse.FindResult, dimsemsg.Status, error) {
	assoc, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer d.pool.Release(assoc)
	return assoc.Find(ctx, abstractSyntax, dimsemsg.PriorityMedium, identifier, limit)
}

// RetrieveStudy, RetrieveSeries and RetrieveInstance all issue a C-MOVE
// naming this gateway's own calling AET as the destination, and stream the
// instances the store-SCP listener hands to the mediator back to the
// caller (§4.6, scenarios S2/S3).
func (d *DIMSEAdapter) RetrieveStudy(ctx context.Context, studyUID string) (<-chan RetrievedInstance, error) {
	identifier, err := buildRetrieveIdentifier("STUDY", studyUID, "", "")
	if err != nil {
		return nil, err
	}
	return d.retrieve(ctx, identifier)
}

func (d *DIMSEAdapter) RetrieveSeries(ctx context.Context, studyUID, seriesUID string) (<-chan RetrievedInstance, error) {
	identifier, err := buildRetrieveIdentifier("SERIES", studyUID, seriesUID, "")
	if err != nil {
		return nil, err
	}
	return d.retrieve(ctx, identifier)
}

func (d *DIMSEAdapter) RetrieveInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) (<-chan RetrievedInstance, error) {
	identifier, err := buildRetrieveIdentifier("IMAGE", studyUID, seriesUID, instanceUID)
	if err != nil {
		return nil, err
	}
	return d.retrieve(ctx, identifier)
}

func (d *DIMSEAdapter) retrieve(ctx context.Context, identifier []byte) (<-chan RetrievedInstance, error) {
	assoc, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	msgID := assoc.NextMessageID()
	correlator := mediator.Correlator{MoveOriginatorAET: d.callingAET, MoveOriginatorMessageID: msgID}

	sub, err := d.mediator.Subscribe(correlator)
	if err != nil {
		d.pool.Release(assoc)
		return nil, err
	}

	out := make(chan RetrievedInstance, 8)
	go func() {
		defer close(out)
		defer d.pool.Release(assoc)

		status, moveErr := assoc.Move(ctx, msgID, dimse.StudyRootMoveSOPClass, d.callingAET, dimsemsg.PriorityMedium, identifier, func(p dimse.MoveProgress) {
			if p.Status.Class() != dimsemsg.ClassPending {
				d.mediator.Complete(correlator, int(p.Completed), int(p.Warning))
			}
		})
		var endErr error
		if moveErr != nil {
			endErr = moveErr
			d.mediator.Cancel(sub)
		} else if status.Class() == dimsemsg.ClassFailure {
			endErr = fmt.Errorf("C-MOVE failed with status %s", status)
			d.mediator.Cancel(sub)
		}

		for {
			select {
			case f, ok := <-sub.Files():
				if !ok {
					if endErr != nil {
						out <- RetrievedInstance{Err: endErr}
					} else if err := sub.Err(); err != nil && err != mediator.ErrCancelled {
						out <- RetrievedInstance{Err: err}
					}
					return
				}
				out <- RetrievedInstance{
					SOPClassUID:    f.SOPClassUID,
					SOPInstanceUID: f.SOPInstanceUID,
					TransferSyntax: f.TransferSyntax,
					Data:           f.Data,
				}
			case <-ctx.Done():
				d.mediator.Cancel(sub)
				return
			}
		}
	}()
	return out, nil
}

func (d *DIMSEAdapter) StoreInstances(ctx context.Context, instances []StoreInstance) ([]StoreResult, error) {
	results := make([]StoreResult, 0, len(instances))
	for _, inst := range instances {
		assoc, err := d.pool.Acquire(ctx)
		if err != nil {
			results = append(results, StoreResult{
				SOPClassUID: inst.SOPClassUID, SOPInstanceUID: inst.SOPInstanceUID,
				Success: false, FailureStatus: dimsemsg.StatusProcessingFailure, ErrorComment: err.Error(),
			})
			continue
		}
		status, err := assoc.Store(ctx, inst.SOPClassUID, inst.SOPInstanceUID, dimsemsg.PriorityMedium, inst.Data, "", 0)
		d.pool.Release(assoc)
		if err != nil {
			results = append(results, StoreResult{
				SOPClassUID: inst.SOPClassUID, SOPInstanceUID: inst.SOPInstanceUID,
				Success: false, FailureStatus: dimsemsg.StatusProcessingFailure, ErrorComment: err.Error(),
			})
			continue
		}
		results = append(results, StoreResult{
			SOPClassUID:    inst.SOPClassUID,
			SOPInstanceUID: inst.SOPInstanceUID,
			Success:        status.Class() == dimsemsg.ClassSuccess,
			FailureStatus:  status,
			ErrorComment:   statusComment(status),
		})
	}
	return results, nil
}

func statusComment(status dimsemsg.Status) string {
	if status.Class() == dimsemsg.ClassSuccess {
		return ""
	}
	return fmt.Sprintf("C-STORE-RSP status %s", status)
}
