package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-connector/internal/adapters"
	"github.com/otcheredev/ris-dicom-connector/internal/models"
	"github.com/otcheredev/ris-dicom-connector/pkg/dimse"
)

// DICOMWebHandler implements QIDO-RS/WADO-RS/STOW-RS over a configured
// AET's adapter (§4.7). Routes are scoped under /aets/{aet} (§6) rather
// than a tenant header, since this gateway has no multi-tenancy concept.
type DICOMWebHandler struct {
	adapters *adapters.Factory
}

func NewDICOMWebHandler(factory *adapters.Factory) *DICOMWebHandler {
	return &DICOMWebHandler{adapters: factory}
}

func (h *DICOMWebHandler) adapterFor(w http.ResponseWriter, r *http.Request) (adapters.PACSAdapter, bool) {
	aet := chi.URLParam(r, "aet")
	adapter, err := h.adapters.Get(aet)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return adapter, true
}

// writeError maps an adapter error to an HTTP status per §7's error
// taxonomy.
func writeError(w http.ResponseWriter, err error) {
	var poolTimeout *dimse.PoolTimeout
	var rejected *dimse.AssociationRejected
	var unacceptable *dimse.UnacceptablePresentationContext
	var aborted *dimse.AssociationAborted
	var protoErr *dimse.ProtocolError

	switch {
	case errors.As(err, &poolTimeout):
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &rejected), errors.As(err, &unacceptable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &aborted):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &protoErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, adapters.ErrBackendDisabled), errors.Is(err, adapters.ErrS3NotImplemented):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SearchStudies handles QIDO-RS study search.
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}

	params := models.QueryParams{
		PatientID:        r.URL.Query().Get("PatientID"),
		PatientName:      r.URL.Query().Get("PatientName"),
		StudyDate:        r.URL.Query().Get("StudyDate"),
		AccessionNumber:  r.URL.Query().Get("AccessionNumber"),
		Modality:         r.URL.Query().Get("ModalitiesInStudy"),
		StudyDescription: r.URL.Query().Get("StudyDescription"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		params.Limit, _ = strconv.Atoi(limit)
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		params.Offset, _ = strconv.Atoi(offset)
	}

	studies, err := adapter.FindStudies(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("study search failed")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(studies)
}

// SearchSeries handles QIDO-RS series search. studyUID is absent on the
// top-level GET /series route; an empty studyUID is a universal-match
// query key (§6), not an error.
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}
	studyUID := chi.URLParam(r, "studyUID")

	series, err := adapter.FindSeries(r.Context(), studyUID)
	if err != nil {
		log.Error().Err(err).Str("studyUID", studyUID).Msg("series search failed")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(series)
}

// SearchInstances handles QIDO-RS instance search. studyUID/seriesUID are
// absent on the top-level GET /instances and GET /studies/{s}/instances
// routes; an empty value is a universal-match query key (§6), not an error.
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")

	instances, err := adapter.FindInstances(r.Context(), studyUID, seriesUID)
	if err != nil {
		log.Error().Err(err).Str("studyUID", studyUID).Str("seriesUID", seriesUID).Msg("instance search failed")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(instances)
}

// GetStudyMetadata handles WADO-RS study metadata (returned as the series
// list until a dedicated per-instance metadata walk is added).
func (h *DICOMWebHandler) GetStudyMetadata(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}
	studyUID := chi.URLParam(r, "studyUID")

	series, err := adapter.FindSeries(r.Context(), studyUID)
	if err != nil {
		log.Error().Err(err).Str("studyUID", studyUID).Msg("study metadata lookup failed")
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(series)
}

// RetrieveStudy, RetrieveSeries and RetrieveInstance stream instances back
// as a multipart/related body of application/dicom parts (§4.7, scenarios
// S2/S3). The request's cancellation cancels the underlying subscription
// (§5 Cancellation).
func (h *DICOMWebHandler) RetrieveStudy(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}
	studyUID := chi.URLParam(r, "studyUID")
	ch, err := adapter.RetrieveStudy(r.Context(), studyUID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.streamMultipart(w, r, ch)
}

func (h *DICOMWebHandler) RetrieveSeries(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	ch, err := adapter.RetrieveSeries(r.Context(), studyUID, seriesUID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.streamMultipart(w, r, ch)
}

func (h *DICOMWebHandler) RetrieveInstance(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}
	studyUID := chi.URLParam(r, "studyUID")
	seriesUID := chi.URLParam(r, "seriesUID")
	instanceUID := chi.URLParam(r, "instanceUID")
	ch, err := adapter.RetrieveInstance(r.Context(), studyUID, seriesUID, instanceUID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.streamMultipart(w, r, ch)
}

func (h *DICOMWebHandler) streamMultipart(w http.ResponseWriter, r *http.Request, ch <-chan adapters.RetrievedInstance) {
	boundary := uuid.NewString()
	w.Header().Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, boundary))
	w.WriteHeader(http.StatusOK)

	mw := multipart.NewWriter(w)
	mw.SetBoundary(boundary)
	defer mw.Close()

	flusher, _ := w.(http.Flusher)

	for inst := range ch {
		if inst.Err != nil {
			log.Error().Err(inst.Err).Msg("retrieve stream ended with error")
			return
		}
		part, err := mw.CreatePart(map[string][]string{"Content-Type": {"application/dicom"}})
		if err != nil {
			return
		}
		if _, err := part.Write(inst.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// StoreInstances handles STOW-RS: it accepts a multipart/related body of
// application/dicom parts and stores each independently, returning a
// per-instance tally (§7 "STOW tally" invariant, scenario S4).
func (h *DICOMWebHandler) StoreInstances(w http.ResponseWriter, r *http.Request) {
	adapter, ok := h.adapterFor(w, r)
	if !ok {
		return
	}

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		http.Error(w, "missing multipart/related boundary", http.StatusBadRequest)
		return
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	var instances []adapters.StoreInstance
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			http.Error(w, "failed reading multipart body", http.StatusBadRequest)
			return
		}
		sopClassUID, sopInstanceUID, transferSyntax, err := parsePart10Header(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping unparsable STOW-RS part")
			continue
		}
		instances = append(instances, adapters.StoreInstance{
			SOPClassUID:    sopClassUID,
			SOPInstanceUID: sopInstanceUID,
			TransferSyntax: transferSyntax,
			Data:           data,
		})
	}

	if len(instances) == 0 {
		http.Error(w, "no instances found in request body", http.StatusBadRequest)
		return
	}

	results, err := adapter.StoreInstances(r.Context(), instances)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(buildStowResponse(results))
}

// stowResponse mirrors the DICOM-tag-keyed JSON convention used throughout
// internal/models (§8 scenario S4): ReferencedSOPSequence is (0008,1199),
// FailedSOPSequence is (0008,1198).
type stowResponse struct {
	ReferencedSOPSequence []stowReference `json:"00081199,omitempty" dicom:"00081199"`
	FailedSOPSequence     []stowFailure   `json:"00081198,omitempty" dicom:"00081198"`
}

type stowReference struct {
	ReferencedSOPClassUID    string `json:"00081150" dicom:"00081150"`
	ReferencedSOPInstanceUID string `json:"00081155" dicom:"00081155"`
}

// stowFailure's FailureReason (0008,1197) is the raw numeric DIMSE status
// code, not a formatted comment. The human-readable detail stays on
// adapters.StoreResult.ErrorComment and is not included in this response.
type stowFailure struct {
	ReferencedSOPClassUID    string `json:"00081150" dicom:"00081150"`
	ReferencedSOPInstanceUID string `json:"00081155" dicom:"00081155"`
	FailureReason            uint16 `json:"00081197" dicom:"00081197"`
}

func buildStowResponse(results []adapters.StoreResult) stowResponse {
	var resp stowResponse
	for _, r := range results {
		if r.Success {
			resp.ReferencedSOPSequence = append(resp.ReferencedSOPSequence, stowReference{
				ReferencedSOPClassUID:    r.SOPClassUID,
				ReferencedSOPInstanceUID: r.SOPInstanceUID,
			})
		} else {
			resp.FailedSOPSequence = append(resp.FailedSOPSequence, stowFailure{
				ReferencedSOPClassUID:    r.SOPClassUID,
				ReferencedSOPInstanceUID: r.SOPInstanceUID,
				FailureReason:            uint16(r.FailureStatus),
			})
		}
	}
	return resp
}
