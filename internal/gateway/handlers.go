package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/settlegate/internal/apperror"
	"github.com/terminal-bench/settlegate/internal/auth"
	"github.com/terminal-bench/settlegate/internal/dispute"
	"github.com/terminal-bench/settlegate/internal/selection"
	"github.com/terminal-bench/settlegate/pkg/circuit"
)

// Request/Response types

type SelectRequest struct {
	RequestID string          `json:"request_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type CreateDisputeRequest struct {
	Type                 string          `json:"type" binding:"required"`
	Amount               decimal.Decimal `json:"amount"`
	ResponsibleID        string          `json:"responsible_id"`
	PaymentHandle        string          `json:"payment_handle"`
	OrderReference       string          `json:"order_reference"`
	TransactionReference string          `json:"transaction_reference"`
	Reason               string          `json:"reason"`
	EvidenceReference    string          `json:"evidence_reference"`
}

type RespondDisputeRequest struct {
	Action         string `json:"action" binding:"required"`
	Note           string `json:"note"`
	ProofReference string `json:"proof_reference"`
}

type DecideDisputeRequest struct {
	Decision string `json:"decision" binding:"required"`
	Note     string `json:"note"`
}

type AssignDisputeRequest struct {
	ResponsibleID string `json:"responsible_id" binding:"required"`
}

type CircuitView struct {
	circuit.Record
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func (g *Gateway) selectEndpoint(c *gin.Context) {
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	requestID := uuid.New()
	if req.RequestID != "" {
		id, err := uuid.Parse(req.RequestID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request_id"})
			return
		}
		requestID = id
	}

	ctx := c.Request.Context()
	res, err := g.deps.Selector.Select(ctx, selection.Request{
		RequestID:   requestID,
		Amount:      req.Amount,
		PrincipalID: claimsOf(c).PrincipalID,
	}, g.deps.Settings.Resolve(ctx))
	if err != nil {
		kind := apperror.KindOf(err)
		if kind == apperror.KindInternal {
			g.log.WithError(err).WithField("request_id", requestID).Error("selection failed")
		}
		if res == nil {
			c.JSON(statusFor(kind), errorBody(err))
			return
		}
		c.JSON(statusFor(kind), res)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (g *Gateway) createDispute(c *gin.Context) {
	var req CreateDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	disputeType, err := dispute.ParseType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	created, err := g.deps.Disputes.Create(ctx, dispute.CreateRequest{
		Type:                 disputeType,
		Amount:               req.Amount,
		ClaimantID:           claimsOf(c).PrincipalID,
		ResponsibleID:        req.ResponsibleID,
		PaymentHandle:        req.PaymentHandle,
		OrderReference:       req.OrderReference,
		TransactionReference: req.TransactionReference,
		Reason:               req.Reason,
		EvidenceReference:    req.EvidenceReference,
	}, g.deps.Settings.Resolve(ctx))

	switch {
	case err == nil:
		c.JSON(http.StatusCreated, created)
	case apperror.Is(err, apperror.KindRoutingFailure) && created != nil:
		// filed, but parked for an operator
		c.JSON(http.StatusAccepted, gin.H{
			"dispute": created.Dispute,
			"route":   created.Route,
			"error":   errorBody(err)["error"],
			"code":    string(apperror.KindRoutingFailure),
		})
	default:
		g.writeError(c, err)
	}
}

func (g *Gateway) getDispute(c *gin.Context) {
	d, ok := g.loadDispute(c)
	if !ok {
		return
	}
	if !canView(claimsOf(c), d) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this dispute"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (g *Gateway) respondDispute(c *gin.Context) {
	id, ok := disputeID(c)
	if !ok {
		return
	}
	var req RespondDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	action, err := dispute.ParseResponse(req.Action)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := g.deps.Disputes.Respond(c.Request.Context(), dispute.RespondRequest{
		DisputeID:      id,
		ActorID:        claimsOf(c).PrincipalID,
		Action:         action,
		Note:           req.Note,
		ProofReference: req.ProofReference,
	})
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (g *Gateway) decideDispute(c *gin.Context) {
	id, ok := disputeID(c)
	if !ok {
		return
	}
	var req DecideDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	decision, err := dispute.ParseDecision(req.Decision)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	res, err := g.deps.Disputes.Decide(ctx, dispute.DecideRequest{
		DisputeID:     id,
		AdjudicatorID: claimsOf(c).PrincipalID,
		Decision:      decision,
		Note:          req.Note,
	}, g.deps.Settings.Resolve(ctx))
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (g *Gateway) assignDispute(c *gin.Context) {
	id, ok := disputeID(c)
	if !ok {
		return
	}
	var req AssignDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	d, err := g.deps.Disputes.Assign(c.Request.Context(), dispute.AssignRequest{
		DisputeID:     id,
		ResponsibleID: req.ResponsibleID,
		OperatorID:    claimsOf(c).PrincipalID,
	})
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (g *Gateway) uploadEvidence(c *gin.Context) {
	if g.deps.Evidence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "evidence storage is not configured"})
		return
	}
	d, ok := g.loadDispute(c)
	if !ok {
		return
	}
	claims := claimsOf(c)
	if claims.PrincipalID != d.ClaimantID && claims.PrincipalID != d.ResponsibleID && !claims.HasRole(auth.RoleOperator) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this dispute"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, g.cfg.MaxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a file field is required"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer file.Close()

	obj, err := g.deps.Evidence.Put(c.Request.Context(), d.ID, header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		g.writeError(c, apperror.Internal(err, "failed to store evidence"))
		return
	}
	c.JSON(http.StatusCreated, obj)
}

func (g *Gateway) listUnroutable(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	out, err := g.deps.Disputes.Unroutable(c.Request.Context(), limit)
	if err != nil {
		g.writeError(c, err)
		return
	}
	if out == nil {
		out = []dispute.Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": out, "count": len(out)})
}

func (g *Gateway) listCircuits(c *gin.Context) {
	ctx := c.Request.Context()
	snap, transitions, err := g.deps.Circuits.Refresh(ctx, g.deps.Settings.Resolve(ctx).Circuit)
	if err != nil {
		g.writeError(c, apperror.Internal(err, "failed to evaluate circuits"))
		return
	}
	if len(transitions) > 0 && g.deps.Transitions != nil {
		g.deps.Transitions.RecordTransitions(ctx, transitions)
	}

	records := snap.Records()
	views := make([]CircuitView, 0, len(records))
	for _, r := range records {
		a := snap.IsAvailable(r.Bank)
		views = append(views, CircuitView{Record: r, Available: a.Available, Reason: a.Reason})
	}
	c.JSON(http.StatusOK, gin.H{"summary": snap.Summary(), "circuits": views})
}

func (g *Gateway) loadDispute(c *gin.Context) (*dispute.Dispute, bool) {
	id, ok := disputeID(c)
	if !ok {
		return nil, false
	}
	d, err := g.deps.Disputes.Get(c.Request.Context(), id)
	if err != nil {
		g.writeError(c, err)
		return nil, false
	}
	return d, true
}

func disputeID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dispute ID"})
		return uuid.Nil, false
	}
	return id, true
}

func canView(claims *auth.Claims, d *dispute.Dispute) bool {
	if claims.HasRole(auth.RoleAdjudicator, auth.RoleOperator) {
		return true
	}
	return claims.PrincipalID == d.ClaimantID || claims.PrincipalID == d.ResponsibleID
}
