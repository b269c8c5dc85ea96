package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duetlabs/ritual/backend/internal/couples"
	"github.com/duetlabs/ritual/backend/internal/cycles"
	"github.com/duetlabs/ritual/backend/internal/synthesis"
)

const streamHeartbeatInterval = 25 * time.Second

type progressPayload struct {
	InputSubmitted bool `json:"inputSubmitted"`
	RankedPicks    int  `json:"rankedPicks"`
	SlotsDeclared  int  `json:"slotsDeclared"`
	PicksReady     bool `json:"picksReady"`
}

type agreementPayload struct {
	Candidate string `json:"candidate"`
	Date      string `json:"date"`
	TimeStart string `json:"timeStart"`
	TimeEnd   string `json:"timeEnd"`
	ReachedAt int64  `json:"reachedAt"`
}

type cycleViewPayload struct {
	CycleID          string                    `json:"cycleId"`
	WeekStart        string                    `json:"weekStart"`
	Status           cycles.Status             `json:"status"`
	Phase            string                    `json:"phase"`
	RitualCandidates []cycles.Candidate        `json:"ritualCandidates"`
	MyPreferences    []cycles.RitualPreference `json:"myPreferences"`
	MySlots          []cycles.AvailabilitySlot `json:"mySlots"`
	MyProgress       progressPayload           `json:"myProgress"`
	PartnerProgress  progressPayload           `json:"partnerProgress"`
	MatchResult      *cycles.MatchResult       `json:"matchResult,omitempty"`
	Agreement        *agreementPayload         `json:"agreement,omitempty"`
	StatusMessage    string                    `json:"statusMessage,omitempty"`
}

// handleCurrentCycle resolves the caller's active negotiation cycle, creating
// the current week's cycle when none is open. An explicit week query pin lets
// a client hold its session week key across the Sunday/Monday boundary.
func (h *httpHandler) handleCurrentCycle(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	couple, ok := h.coupleForRequest(c, userID)
	if !ok {
		return
	}
	if !couple.Joined() {
		c.JSON(http.StatusConflict, gin.H{"error": "partner_not_joined"})
		return
	}

	week := cycles.ComputeWeekKey(couple.CityZone, h.clock())
	if pinned := strings.TrimSpace(c.Query("week")); pinned != "" {
		parsed, err := cycles.NewWeekKey(pinned)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_week"})
			return
		}
		week = parsed
	}

	ref := cycles.CoupleRef{
		CoupleID:   cycles.CoupleID(couple.CoupleID),
		PartnerOne: cycles.UserID(couple.PartnerOneID),
		PartnerTwo: cycles.UserID(*couple.PartnerTwoID),
	}
	cycle, err := h.cycles.FindIncompleteCycle(c.Request.Context(), ref, week)
	if err != nil {
		h.logger.Error("cycle resolution failed", zap.Error(err), zap.String("couple_id", couple.CoupleID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cycle_resolution_failed"})
		return
	}

	h.renderCycleView(c, cycle, userID)
}

func (h *httpHandler) handleSubmitInput(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input, err := cycles.ParsePartnerInput(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input_document"})
		return
	}

	cycle, err := h.cycles.SubmitInput(c.Request.Context(), cycleID, cycles.UserID(userID), input)
	if !h.handleCycleError(c, err, "input submission failed") {
		return
	}

	h.publishCycleRow(c, cycle, "update")
	h.renderCycleView(c, cycle, userID)
}

func (h *httpHandler) handleClearInput(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}

	cycle, err := h.cycles.ClearInput(c.Request.Context(), cycleID, cycles.UserID(userID))
	if errors.Is(err, cycles.ErrInputMissing) {
		c.JSON(http.StatusConflict, gin.H{"error": "no_input_to_clear"})
		return
	}
	if !h.handleCycleError(c, err, "input clear failed") {
		return
	}

	h.publishCycleRow(c, cycle, "update")
	h.renderCycleView(c, cycle, userID)
}

type setPreferenceRequest struct {
	Candidate       string  `json:"candidate"`
	Rank            int     `json:"rank"`
	PreferredDay    *int    `json:"preferred_day,omitempty"`
	PreferredBucket *string `json:"preferred_bucket,omitempty"`
}

func (h *httpHandler) handleSetPreference(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}

	var request setPreferenceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.cycles.SetPreference(c.Request.Context(), cycleID, cycles.UserID(userID),
		strings.TrimSpace(request.Candidate), request.Rank, request.PreferredDay, request.PreferredBucket)
	if errors.Is(err, cycles.ErrInvalidRank) || errors.Is(err, cycles.ErrInvalidDayOffset) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_preference"})
		return
	}
	if !h.handleCycleError(c, err, "preference write failed") {
		return
	}

	h.publishLedgerSlice(c, cycleID, userID, TablePreferences)
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *httpHandler) handleClearPreference(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}
	rank, err := strconv.Atoi(c.Param("rank"))
	if err != nil || rank < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rank"})
		return
	}

	err = h.cycles.ClearPreference(c.Request.Context(), cycleID, cycles.UserID(userID), rank)
	if errors.Is(err, cycles.ErrPreferenceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "preference_not_found"})
		return
	}
	if !h.handleCycleError(c, err, "preference clear failed") {
		return
	}

	h.publishLedgerSlice(c, cycleID, userID, TablePreferences)
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

type toggleAvailabilityRequest struct {
	DayOffset int    `json:"day_offset"`
	Bucket    string `json:"bucket"`
}

func (h *httpHandler) handleToggleAvailability(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}

	var request toggleAvailabilityRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bucket, err := cycles.ParseTimeBucket(request.Bucket)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bucket"})
		return
	}

	present, err := h.cycles.ToggleAvailability(c.Request.Context(), cycleID, cycles.UserID(userID), request.DayOffset, bucket)
	if errors.Is(err, cycles.ErrInvalidDayOffset) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_day_offset"})
		return
	}
	if !h.handleCycleError(c, err, "availability toggle failed") {
		return
	}

	h.publishLedgerSlice(c, cycleID, userID, TableAvailability)
	c.JSON(http.StatusOK, gin.H{"present": present})
}

func (h *httpHandler) handleSynthesize(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}
	if _, ok := h.requireMembership(c, cycleID, userID); !ok {
		return
	}

	force := c.Query("force") == "true"
	result, err := h.trigger.TriggerSynthesis(c.Request.Context(), cycleID, force)
	if !h.handleCycleError(c, err, "synthesis trigger failed") {
		return
	}

	if result == synthesis.ResultReady || result == synthesis.ResultFailed {
		if cycle, err := h.cycles.Get(c.Request.Context(), cycleID); err == nil {
			h.publishCycleRow(c, cycle, "update")
		}
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *httpHandler) handleConfirm(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}

	cycle, ok := h.requireMembership(c, cycleID, userID)
	if !ok {
		return
	}

	// The resolution is recomputed server-side from the authoritative ledger;
	// determinism guarantees it matches what either client displayed.
	result, ok := h.resolveForUser(c, cycle, userID)
	if !ok {
		return
	}

	updated, err := h.cycles.Confirm(c.Request.Context(), cycleID, *result, cycles.UserID(userID), h.couples)
	switch {
	case errors.Is(err, cycles.ErrAlreadyAgreed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_agreed"})
		return
	case errors.Is(err, cycles.ErrInsufficientPicks):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "picks_incomplete"})
		return
	}
	if !h.handleCycleError(c, err, "confirm failed") {
		return
	}

	h.publishCycleRow(c, updated, "update")
	h.renderCycleView(c, updated, userID)
}

// handleCycleStream serves the SSE change feed for one cycle.
func (h *httpHandler) handleCycleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	cycleID, ok := h.cycleIDParam(c)
	if !ok {
		return
	}
	cycle, ok := h.requireMembership(c, cycleID, userID)
	if !ok {
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), cycle.CoupleID)
	defer cleanup()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, realtimeEventHeartbeat, []byte(`{}`))
			flusher.Flush()
		case message, open := <-stream:
			if !open {
				return
			}
			if message.CycleID != cycle.CycleID {
				continue
			}
			encoded, err := json.Marshal(gin.H{
				"table":   message.Table,
				"event":   message.EventType,
				"cycleId": message.CycleID,
				"userId":  message.UserID,
				"payload": message.Payload,
			})
			if err != nil {
				continue
			}
			writeSSE(c.Writer, RealtimeEventCycleChanged, encoded)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data []byte) {
	_, _ = w.Write([]byte("event: " + event + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

// --- shared helpers ---

func (h *httpHandler) cycleIDParam(c *gin.Context) (cycles.CycleID, bool) {
	cycleID, err := cycles.NewCycleID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cycle_id"})
		return "", false
	}
	return cycleID, true
}

func (h *httpHandler) coupleForRequest(c *gin.Context, userID string) (*couples.Couple, bool) {
	couple, err := h.couples.ForUser(c.Request.Context(), userID)
	if errors.Is(err, couples.ErrCoupleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "couple_not_found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("couple lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return nil, false
	}
	return couple, true
}

func (h *httpHandler) requireMembership(c *gin.Context, cycleID cycles.CycleID, userID string) (*cycles.WeeklyCycle, bool) {
	cycle, err := h.cycles.Get(c.Request.Context(), cycleID)
	if errors.Is(err, cycles.ErrCycleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle_not_found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("cycle fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return nil, false
	}
	if cycle.PartnerOneID != userID && cycle.PartnerTwoID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_partner"})
		return nil, false
	}
	return cycle, true
}

// handleCycleError maps common engine errors; returns true when the request
// may proceed.
func (h *httpHandler) handleCycleError(c *gin.Context, err error, logMessage string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, cycles.ErrCycleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle_not_found"})
	case errors.Is(err, cycles.ErrNotAPartner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_partner"})
	default:
		h.logger.Error(logMessage, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
	return false
}

func (h *httpHandler) resolveForUser(c *gin.Context, cycle *cycles.WeeklyCycle, userID string) (*cycles.MatchResult, bool) {
	ledger, err := h.cycles.LedgerFor(c.Request.Context(), cycle)
	if err != nil {
		h.logger.Error("ledger read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_read_failed"})
		return nil, false
	}

	mine, partners := ledger.PartnerOnePrefs, ledger.PartnerTwoPrefs
	mySlots, partnerSlots := ledger.PartnerOneSlots, ledger.PartnerTwoSlots
	if cycle.PartnerTwoID == userID {
		mine, partners = partners, mine
		mySlots, partnerSlots = partnerSlots, mySlots
	}

	result, err := cycles.Resolve(mine, partners, mySlots, partnerSlots, cycle.ProposerUserID == userID)
	if errors.Is(err, cycles.ErrNoPreferences) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "picks_incomplete"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("match resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return nil, false
	}
	return &result, true
}

func (h *httpHandler) renderCycleView(c *gin.Context, cycle *cycles.WeeklyCycle, userID string) {
	ledger, err := h.cycles.LedgerFor(c.Request.Context(), cycle)
	if err != nil {
		h.logger.Error("ledger read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_read_failed"})
		return
	}

	candidates, err := cycle.Candidates()
	if err != nil {
		h.logger.Error("candidate decode failed", zap.Error(err), zap.String("cycle_id", cycle.CycleID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "candidate_decode_failed"})
		return
	}

	myPrefs, partnerPrefs := ledger.PartnerOnePrefs, ledger.PartnerTwoPrefs
	mySlots, partnerSlots := ledger.PartnerOneSlots, ledger.PartnerTwoSlots
	partnerID := cycle.PartnerTwoID
	if cycle.PartnerTwoID == userID {
		myPrefs, partnerPrefs = partnerPrefs, myPrefs
		mySlots, partnerSlots = partnerSlots, mySlots
		partnerID = cycle.PartnerOneID
	}

	payload := cycleViewPayload{
		CycleID:          cycle.CycleID,
		WeekStart:        cycle.WeekStart,
		Status:           cycle.Status,
		Phase:            phaseOf(cycle.Status),
		RitualCandidates: candidates,
		MyPreferences:    myPrefs,
		MySlots:          mySlots,
		MyProgress:       progressOf(cycle, userID, myPrefs, mySlots),
		PartnerProgress:  progressOf(cycle, partnerID, partnerPrefs, partnerSlots),
		StatusMessage:    statusMessageOf(cycle.Status),
	}

	if payload.MyProgress.PicksReady && payload.PartnerProgress.PicksReady && cycle.Status != cycles.StatusAgreed {
		if result, err := cycles.Resolve(myPrefs, partnerPrefs, mySlots, partnerSlots, cycle.ProposerUserID == userID); err == nil {
			payload.MatchResult = &result
		}
	}

	if cycle.AgreedCandidate != nil {
		agreement := agreementPayload{Candidate: *cycle.AgreedCandidate}
		if cycle.AgreedDate != nil {
			agreement.Date = *cycle.AgreedDate
		}
		if cycle.AgreedTimeStart != nil {
			agreement.TimeStart = *cycle.AgreedTimeStart
		}
		if cycle.AgreedTimeEnd != nil {
			agreement.TimeEnd = *cycle.AgreedTimeEnd
		}
		if cycle.ReachedAtSeconds != nil {
			agreement.ReachedAt = *cycle.ReachedAtSeconds
		}
		payload.Agreement = &agreement
	}

	c.JSON(http.StatusOK, payload)
}

func phaseOf(status cycles.Status) string {
	switch status {
	case cycles.StatusGenerating:
		return "generating"
	case cycles.StatusGenerationFailed:
		return "failed"
	case cycles.StatusAwaitingPartnerOnePick, cycles.StatusAwaitingPartnerTwoPick:
		return "picking"
	case cycles.StatusAwaitingAgreement:
		return "agreement"
	case cycles.StatusAgreed:
		return "agreed"
	default:
		return "input"
	}
}

func statusMessageOf(status cycles.Status) string {
	switch status {
	case cycles.StatusAwaitingBothInput:
		return "Share how your week felt to get started."
	case cycles.StatusAwaitingPartnerOne, cycles.StatusAwaitingPartnerTwo:
		return "Waiting on your partner's mood cards."
	case cycles.StatusGenerating:
		return "Putting your ideas together..."
	case cycles.StatusGenerationFailed:
		return "We couldn't put your ideas together. Tap retry to try again."
	case cycles.StatusAwaitingPartnerOnePick, cycles.StatusAwaitingPartnerTwoPick:
		return "Rank your favorites and mark when you're free."
	case cycles.StatusAwaitingAgreement:
		return "You both picked. Confirm your ritual."
	default:
		return ""
	}
}

func progressOf(cycle *cycles.WeeklyCycle, userID string, prefs []cycles.RitualPreference, slots []cycles.AvailabilitySlot) progressPayload {
	submitted := false
	if userID == cycle.PartnerOneID {
		submitted = cycle.PartnerOneInputJSON != nil
	} else if userID == cycle.PartnerTwoID {
		submitted = cycle.PartnerTwoInputJSON != nil
	}
	return progressPayload{
		InputSubmitted: submitted,
		RankedPicks:    len(prefs),
		SlotsDeclared:  len(slots),
		PicksReady:     len(prefs) >= 3 && len(slots) >= 1,
	}
}

func (h *httpHandler) publishCycleRow(c *gin.Context, cycle *cycles.WeeklyCycle, event string) {
	if cycle == nil {
		return
	}
	encoded, err := json.Marshal(cycle)
	if err != nil {
		h.logger.Warn("cycle row encode failed", zap.Error(err))
		return
	}
	h.realtime.Publish(RealtimeMessage{
		CoupleID:  cycle.CoupleID,
		CycleID:   cycle.CycleID,
		Table:     TableCycles,
		EventType: event,
		Payload:   encoded,
		Timestamp: h.clock().UTC(),
	})
}

// publishLedgerSlice publishes the full after-state of one user's ledger
// slice, so subscribers can replace theirs verbatim.
func (h *httpHandler) publishLedgerSlice(c *gin.Context, cycleID cycles.CycleID, userID, table string) {
	cycle, err := h.cycles.Get(c.Request.Context(), cycleID)
	if err != nil {
		return
	}

	var payload interface{}
	if table == TablePreferences {
		payload, err = h.cycles.PreferencesFor(c.Request.Context(), cycleID, cycles.UserID(userID))
	} else {
		payload, err = h.cycles.AvailabilityFor(c.Request.Context(), cycleID, cycles.UserID(userID))
	}
	if err != nil {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}

	h.realtime.Publish(RealtimeMessage{
		CoupleID:  cycle.CoupleID,
		CycleID:   cycle.CycleID,
		Table:     table,
		EventType: "update",
		UserID:    userID,
		Payload:   encoded,
		Timestamp: h.clock().UTC(),
	})

	// Ledger changes can advance the derived status; push the row too.
	h.publishCycleRow(c, cycle, "update")
}
