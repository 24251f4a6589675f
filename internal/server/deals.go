package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowsync/internal/auth"
	"github.com/mbd888/escrowsync/internal/deal"
	"github.com/mbd888/escrowsync/internal/dealstate"
	"github.com/mbd888/escrowsync/internal/dispatch"
	"github.com/mbd888/escrowsync/internal/identity"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/relay"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/validation"
)

// ActionRequest is the body of POST /v1/deals/:dealId/actions
type ActionRequest struct {
	Action      string          `json:"action"`
	FavorSeller *bool           `json:"favorSeller,omitempty"`
	Viewer      identity.Viewer `json:"viewer"`
	Relay       struct {
		Active    bool   `json:"active"`
		ChannelID string `json:"channelId,omitempty"`
	} `json:"relay"`
}

func viewerFromQuery(c *gin.Context) identity.Viewer {
	return identity.Viewer{
		WalletAddress:      c.Query("wallet"),
		DelegatedAddress:   c.Query("delegated"),
		SmartWalletAddress: c.Query("smartWallet"),
		UserID:             c.Query("userId"),
	}
}

func validateViewer(v identity.Viewer) validation.Errors {
	return validation.Check(
		validation.Address("wallet", v.WalletAddress),
		validation.Address("delegated", v.DelegatedAddress),
		validation.Address("smartWallet", v.SmartWalletAddress),
		validation.MaxLen("userId", v.UserID, 128),
	)
}

// getDeal returns the deal as the viewer in the query sees it. The session
// is opened on first view.
func (s *Server) getDeal(c *gin.Context) {
	viewer := viewerFromQuery(c)
	if errs := validateViewer(viewer); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}

	sess, opened, err := s.openOrGet(c.Param("dealId"), false)
	if err != nil {
		writeError(c, err)
		return
	}
	if opened {
		sess.SetViewer(viewer)
	}
	view := sess.ViewFor(c.Request.Context(), viewer)
	if view.NotFound {
		writeError(c, deal.ErrDealNotFound)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) openSession(c *gin.Context) {
	viewer := viewerFromQuery(c)
	if errs := validateViewer(viewer); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}

	// An explicit session on a missing deal stays open and picks the deal
	// up once it exists.
	sess, opened, err := s.openOrGet(c.Param("dealId"), true)
	if err != nil {
		writeError(c, err)
		return
	}
	sess.SetViewer(viewer)

	status := http.StatusOK
	if opened {
		status = http.StatusCreated
	}
	c.JSON(status, sess.ViewFor(c.Request.Context(), viewer))
}

func (s *Server) closeSession(c *gin.Context) {
	dealID := c.Param("dealId")
	if err := s.sessions.Close(dealID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	ids, next, err := pagination.Page(s.sessions.DealIDs(), c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	resp := gin.H{"dealIds": ids}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) reconcileNow(c *gin.Context) {
	sess, _, err := s.openOrGet(c.Param("dealId"), false)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.Snapshot().NotFound {
		writeError(c, deal.ErrDealNotFound)
		return
	}

	res := sess.ReconcileNow(c.Request.Context())
	errs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		errs = append(errs, e.Error())
	}
	c.JSON(http.StatusOK, gin.H{
		"result":   res,
		"errors":   errs,
		"snapshot": sess.Snapshot(),
	})
}

func (s *Server) requestAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	errs := validation.Check(
		validation.Required("action", req.Action),
		validation.MaxLen("relay.channelId", req.Relay.ChannelID, 128),
	)
	errs = append(errs, validateViewer(req.Viewer)...)
	if len(errs) > 0 {
		writeValidation(c, errs)
		return
	}

	if !auth.MayActAs(c, req.Viewer.WalletAddress) {
		writeError(c, auth.ErrNotOwner)
		return
	}

	sess, _, err := s.openOrGet(c.Param("dealId"), false)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess.Snapshot().NotFound {
		writeError(c, deal.ErrDealNotFound)
		return
	}

	res, err := sess.Dispatch(c.Request.Context(), dispatch.Request{
		Action:      dispatch.Action(req.Action),
		FavorSeller: req.FavorSeller,
		Viewer:      req.Viewer,
		Relay: dispatch.RelayContext{
			Active:    req.Relay.Active,
			ChannelID: req.Relay.ChannelID,
		},
	})
	if err != nil {
		logging.L(c.Request.Context()).Info("action refused or failed", "action", req.Action, "error", err)
		writeErrorWith(c, err, res)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"result":   res,
		"snapshot": sess.Snapshot(),
	})
}

// openOrGet returns the deal's session, opening one when none is live. A
// session opened here for a deal the store does not have is closed again
// unless keepMissing is set.
func (s *Server) openOrGet(dealID string, keepMissing bool) (*session.Session, bool, error) {
	if sess, err := s.sessions.Get(dealID); err == nil {
		return sess, false, nil
	}
	sess, err := s.sessions.Open(dealID)
	if err != nil {
		return nil, false, err
	}
	if !keepMissing && sess.Snapshot().NotFound {
		_ = s.sessions.Close(dealID)
		return nil, false, deal.ErrDealNotFound
	}
	s.realtimeHub.PublishSession(dealID, true)
	return sess, true, nil
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{dispatch.ErrNotAllowed, http.StatusConflict, "not_allowed"},
	{dispatch.ErrWrongNetwork, http.StatusConflict, "wrong_network"},
	{dealstate.ErrBusy, http.StatusConflict, "busy"},
	{dealstate.ErrNotLoaded, http.StatusConflict, "not_loaded"},
	{dealstate.ErrEscrowConflict, http.StatusConflict, "escrow_conflict"},
	{deal.ErrEscrowMismatch, http.StatusConflict, "escrow_conflict"},
	{deal.ErrDealNotFound, http.StatusNotFound, "deal_not_found"},
	{session.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{session.ErrTooManySessions, http.StatusServiceUnavailable, "too_many_sessions"},
	{dispatch.ErrUnknownAction, http.StatusBadRequest, "unknown_action"},
	{dispatch.ErrMissingParam, http.StatusBadRequest, "missing_parameter"},
	{dispatch.ErrSignerMismatch, http.StatusForbidden, "signer_mismatch"},
	{auth.ErrNotOwner, http.StatusForbidden, "forbidden"},
	{dispatch.ErrNoSigner, http.StatusServiceUnavailable, "direct_unavailable"},
	{relay.ErrRejected, http.StatusBadGateway, "relay_rejected"},
	{relay.ErrUnavailable, http.StatusServiceUnavailable, "relay_unavailable"},
	{relay.ErrDisabled, http.StatusServiceUnavailable, "relay_disabled"},
	{session.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
}

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusBadGateway, "upstream_error"
}

func writeError(c *gin.Context, err error) {
	writeErrorWith(c, err, nil)
}

func writeErrorWith(c *gin.Context, err error, res *dispatch.Result) {
	status, code := statusFor(err)
	body := gin.H{
		"error":   code,
		"message": err.Error(),
	}
	if res != nil {
		body["result"] = res
	}
	c.JSON(status, body)
}

func writeValidation(c *gin.Context, errs validation.Errors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}
