package transit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/internal/ratelimiter"
	"github.com/haven-id/haven/pkg/drive"
	"github.com/haven-id/haven/pkg/drive/access"
)

// errProtocolViolation marks a malformed or out-of-order exchange. It is
// never serialized to the peer: violations surface as a hard connection
// abort so an adversarial sender learns nothing about the implementation.
var errProtocolViolation = errors.New("transit protocol violation")

// CallerResolver authenticates the pushing host and produces its
// permission context. Resolution failures count as protocol violations.
type CallerResolver func(r *http.Request) (*access.PermissionContext, error)

// Handler is the HTTP face of the perimeter: one streamed multipart
// exchange per upload, strict section order, single pass.
type Handler struct {
	perimeter *TransitPerimeterService
	resolve   CallerResolver
	limiter   *ratelimiter.KeyedLimiter
}

// NewHandler wires the perimeter behind its HTTP endpoints.
func NewHandler(perimeter *TransitPerimeterService, resolve CallerResolver, limiter *ratelimiter.KeyedLimiter) *Handler {
	return &Handler{
		perimeter: perimeter,
		resolve:   resolve,
		limiter:   limiter,
	}
}

// HandleUpload processes one incoming transfer. This is the single
// top-level action where protocol violations become a connection abort;
// everything below reports violations as errProtocolViolation instead of
// touching the transport.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	response, err := h.processUpload(w, r)
	if err != nil {
		logger.Warn("Aborting transfer exchange: %v", err)
		panic(http.ErrAbortHandler)
	}
	writeTransitResponse(w, response)
}

func (h *Handler) processUpload(_ http.ResponseWriter, r *http.Request) (*TransitResponse, error) {
	caller, err := h.resolve(r)
	if err != nil {
		return nil, fmt.Errorf("%w: caller resolution failed: %v", errProtocolViolation, err)
	}

	if h.limiter != nil && !h.limiter.Allow(caller.CallerOdinID) {
		return nil, fmt.Errorf("%w: rate limit exceeded for %s", errProtocolViolation, caller.CallerOdinID)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: not a multipart request", errProtocolViolation)
	}
	ctx := r.Context()

	// section 1: TransferKeyHeader
	part, err := nextSection(mr, PartTransferKeyHeader)
	if err != nil {
		return nil, err
	}
	var instruction TransferInstructionSet
	if err := json.NewDecoder(part).Decode(&instruction); err != nil {
		return nil, fmt.Errorf("%w: instruction envelope does not parse", errProtocolViolation)
	}
	state, err := h.perimeter.InitializeIncomingTransfer(ctx, caller, &instruction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errProtocolViolation, err)
	}

	// section 2: Metadata
	part, err = nextSection(mr, PartMetadata)
	if err != nil {
		h.perimeter.cleanup(ctx, state)
		return nil, err
	}
	if err := h.perimeter.FilterMetadata(ctx, caller, state, part); err != nil {
		logger.Error("Transfer %s: metadata stage failed: %v", state.ID, err)
		return h.perimeter.FinalizeTransfer(ctx, state), nil
	}
	if state.MetadataStatus != PartStatusAccepted {
		// a blocked section ends the single pass; remaining sections are
		// never read
		return h.perimeter.FinalizeTransfer(ctx, state), nil
	}

	// section 3: Payload
	part, err = nextSection(mr, PartPayload)
	if err != nil {
		h.perimeter.cleanup(ctx, state)
		return nil, err
	}
	if err := h.perimeter.FilterPayload(ctx, caller, state, part); err != nil {
		logger.Error("Transfer %s: payload stage failed: %v", state.ID, err)
		return h.perimeter.FinalizeTransfer(ctx, state), nil
	}
	if state.PayloadStatus != PartStatusAccepted {
		return h.perimeter.FinalizeTransfer(ctx, state), nil
	}

	// sections 4..n: thumbnails
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.perimeter.cleanup(ctx, state)
			return nil, fmt.Errorf("%w: reading next section: %v", errProtocolViolation, err)
		}

		if part.FormName() != PartThumbnail {
			h.perimeter.cleanup(ctx, state)
			return nil, fmt.Errorf("%w: expected section %s, got %q", errProtocolViolation, PartThumbnail, part.FormName())
		}
		width, height, err := parseThumbnailSize(part.FileName())
		if err != nil {
			h.perimeter.cleanup(ctx, state)
			return nil, fmt.Errorf("%w: %v", errProtocolViolation, err)
		}

		if err := h.perimeter.FilterThumbnail(ctx, caller, state, width, height, part); err != nil {
			logger.Error("Transfer %s: thumbnail stage failed: %v", state.ID, err)
			return h.perimeter.FinalizeTransfer(ctx, state), nil
		}
		if state.Thumbnails[len(state.Thumbnails)-1].Status != PartStatusAccepted {
			return h.perimeter.FinalizeTransfer(ctx, state), nil
		}
	}

	return h.perimeter.FinalizeTransfer(ctx, state), nil
}

// DeleteLinkedFileRequest is the body of a remote deletion request.
type DeleteLinkedFileRequest struct {
	TargetDrive     drive.TargetDrive `json:"targetDrive"`
	GlobalTransitID uuid.UUID         `json:"globalTransitId"`
}

// HandleDeleteLinkedFile processes a remote host's request to remove a
// file it previously pushed.
func (h *Handler) HandleDeleteLinkedFile(w http.ResponseWriter, r *http.Request) {
	caller, err := h.resolve(r)
	if err != nil {
		logger.Warn("Aborting delete exchange: caller resolution failed: %v", err)
		panic(http.ErrAbortHandler)
	}
	if h.limiter != nil && !h.limiter.Allow(caller.CallerOdinID) {
		logger.Warn("Aborting delete exchange: rate limit exceeded for %s", caller.CallerOdinID)
		panic(http.ErrAbortHandler)
	}

	var req DeleteLinkedFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("Aborting delete exchange: body does not parse")
		panic(http.ErrAbortHandler)
	}
	if req.GlobalTransitID == uuid.Nil {
		logger.Warn("Aborting delete exchange: no globalTransitId")
		panic(http.ErrAbortHandler)
	}

	response := h.perimeter.AcceptDeleteLinkedFileRequest(r.Context(), caller, req.TargetDrive, req.GlobalTransitID)
	writeTransitResponse(w, response)
}

// nextSection reads the next multipart section and verifies its name.
func nextSection(mr *multipart.Reader, expected string) (*multipart.Part, error) {
	part, err := mr.NextPart()
	if err != nil {
		return nil, fmt.Errorf("%w: expected section %s: %v", errProtocolViolation, expected, err)
	}
	if part.FormName() != expected {
		return nil, fmt.Errorf("%w: expected section %s, got %q", errProtocolViolation, expected, part.FormName())
	}
	return part, nil
}

// parseThumbnailSize parses the {width}x{height} thumbnail filename:
// ASCII digits with a single lowercase x separator.
func parseThumbnailSize(filename string) (width, height int, err error) {
	w, h, ok := strings.Cut(filename, "x")
	if !ok || !isASCIIDigits(w) || !isASCIIDigits(h) {
		return 0, 0, fmt.Errorf("malformed thumbnail filename %q", filename)
	}

	width, err = strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("malformed thumbnail width %q", w)
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("malformed thumbnail height %q", h)
	}
	return width, height, nil
}

func isASCIIDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func writeTransitResponse(w http.ResponseWriter, response *TransitResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("Failed to write transit response: %v", err)
	}
}
