package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/powershare/energymatch/internal/allocation"
	"github.com/powershare/energymatch/internal/matching"
	"github.com/powershare/energymatch/internal/wire"
	"github.com/powershare/energymatch/pkg/energy"
	"github.com/powershare/energymatch/pkg/orderbook"
)

// writeError maps domain errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, matching.ErrInvalidOrder),
		errors.Is(err, allocation.ErrInvalidOffer),
		errors.Is(err, allocation.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, matching.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, matching.ErrDuplicateOrder),
		errors.Is(err, allocation.ErrDuplicateOffer):
		status = http.StatusConflict
	case errors.Is(err, matching.ErrBookHalted),
		errors.Is(err, matching.ErrInvariantViolation):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) healthCheck(c *gin.Context) {
	stats := s.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"books":  len(stats.Books),
		"orders": stats.Orders,
		"trades": stats.Trades,
	})
}

func (s *Server) submitOrder(c *gin.Context) {
	var in wire.OrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	req, err := in.Order(ownerOf(c), s.now(), s.cfg.DefaultExpiry)
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.engine.SubmitOrder(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wire.NewSubmitResponse(res))
}

// ownedOrder loads an order visible to the caller. Other owners' orders
// are reported as missing.
func (s *Server) ownedOrder(c *gin.Context) (orderbook.Order, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order ID"})
		return orderbook.Order{}, false
	}
	o, ok := s.engine.GetOrder(id)
	if !ok || o.OwnerID != ownerOf(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return orderbook.Order{}, false
	}
	return o, true
}

func (s *Server) getOrder(c *gin.Context) {
	if o, ok := s.ownedOrder(c); ok {
		c.JSON(http.StatusOK, o)
	}
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, ok := s.ownedOrder(c)
	if !ok {
		return
	}
	cancelled, err := s.engine.CancelOrder(c.Request.Context(), o.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": o.ID, "cancelled": cancelled})
}

func (s *Server) listOrders(c *gin.Context) {
	f := matching.OrderFilter{OwnerID: ownerOf(c), Limit: queryInt(c, "limit")}
	if v := c.Query("commodity"); v != "" {
		commodity, err := energy.ParseSource(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Commodity = &commodity
	}
	if v := c.Query("status"); v != "" {
		status, err := orderbook.ParseStatus(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = &status
	}
	if v := c.Query("side"); v != "" {
		side, err := orderbook.ParseSide(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Side = &side
	}

	orders := s.engine.Orders(f)
	if orders == nil {
		orders = []orderbook.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) listTrades(c *gin.Context) {
	f := matching.TradeFilter{OwnerID: ownerOf(c), Limit: queryInt(c, "limit")}
	if v := c.Query("commodity"); v != "" {
		commodity, err := energy.ParseSource(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Commodity = &commodity
	}
	c.JSON(http.StatusOK, gin.H{"trades": s.engine.Trades(f)})
}

func (s *Server) commodityParam(c *gin.Context) (energy.Source, bool) {
	commodity, err := energy.ParseSource(c.Param("commodity"))
	if err != nil || commodity == energy.Any {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown commodity"})
		return energy.Any, false
	}
	return commodity, true
}

func (s *Server) getDepth(c *gin.Context) {
	commodity, ok := s.commodityParam(c)
	if !ok {
		return
	}
	levels := queryInt(c, "levels")
	if levels <= 0 {
		levels = s.cfg.SnapshotDepth
	}
	c.JSON(http.StatusOK, s.engine.Snapshot(commodity, levels))
}

func (s *Server) getTape(c *gin.Context) {
	commodity, ok := s.commodityParam(c)
	if !ok {
		return
	}
	if s.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "market data not enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": s.tracker.Recent(commodity.String(), queryInt(c, "limit"))})
}

func (s *Server) getMarketStats(c *gin.Context) {
	if s.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "market data not enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": s.tracker.AllStats()})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) addOffer(c *gin.Context) {
	var in wire.OfferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	sellerID, ok := s.actingAs(c, in.SellerID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "seller_id does not match the authenticated owner"})
		return
	}
	in.SellerID = sellerID
	offer, err := in.Offer()
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.pool.Add(offer); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

type offerView struct {
	allocation.Offer
	Remaining decimal.Decimal `json:"remaining"`
}

func (s *Server) listOffers(c *gin.Context) {
	offers := s.pool.Offers()
	out := make([]offerView, len(offers))
	for i, o := range offers {
		out[i] = offerView{Offer: o, Remaining: o.Remaining()}
	}
	c.JSON(http.StatusOK, gin.H{"offers": out})
}

type allocateBody struct {
	Requests []wire.RequestInput `json:"requests" binding:"required"`
}

func (s *Server) allocate(c *gin.Context) {
	var body allocateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	for i := range body.Requests {
		buyerID, ok := s.actingAs(c, body.Requests[i].BuyerID)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "buyer_id does not match the authenticated owner"})
			return
		}
		body.Requests[i].BuyerID = buyerID
	}
	requests, err := wire.Requests(body.Requests)
	if err != nil {
		s.writeError(c, err)
		return
	}
	res, err := s.matcher.Allocate(c.Request.Context(), requests, s.pool)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) findMatches(c *gin.Context) {
	var in wire.AllocateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	offers, err := wire.Offers(in.Offers)
	if err != nil {
		s.writeError(c, err)
		return
	}
	requests, err := wire.Requests(in.Requests)
	if err != nil {
		s.writeError(c, err)
		return
	}
	matches, err := s.matcher.FindMatches(c.Request.Context(), requests, offers)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if matches == nil {
		matches = []allocation.MatchResult{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}
