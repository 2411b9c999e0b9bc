package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openbrick/openbrick/internal/auth"
	"github.com/openbrick/openbrick/internal/trading"
	"github.com/openbrick/openbrick/pkg/models"
)

const maxHistoryLimit = 500

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	token, user, err := s.authSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		s.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.SetCookie(auth.AccessTokenCookie, token, 0, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"user_id":      user.ID,
	})
}

func (s *Server) handleListProperties(c *gin.Context) {
	properties, err := s.tradingSvc.ListProperties(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list properties", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"properties": properties})
}

func (s *Server) handleGetBook(c *gin.Context) {
	propertyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
		return
	}

	snap, err := s.tradingSvc.GetBook(c.Request.Context(), propertyID)
	if err != nil {
		s.logger.Error("failed to read order book",
			zap.String("property_id", propertyID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGetHistory(c *gin.Context) {
	propertyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	points, err := s.tradingSvc.GetHistory(c.Request.Context(), propertyID, limit)
	if err != nil {
		s.logger.Error("failed to read price history",
			zap.String("property_id", propertyID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": points})
}

type submitOrderRequest struct {
	Side     string `json:"side" binding:"required,oneof=buy sell"`
	Quantity int64  `json:"quantity" binding:"required,gt=0"`
	Price    int64  `json:"price" binding:"required,gt=0"`
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	userID, ok := auth.SubjectID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return
	}

	propertyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
		return
	}

	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	order, err := s.tradingSvc.SubmitOrder(c.Request.Context(), userID, propertyID, req.Side, req.Quantity, req.Price)
	if err != nil {
		switch {
		case errors.Is(err, trading.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, trading.ErrInsufficientFunds):
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient orderable balance"})
		case errors.Is(err, trading.ErrInsufficientTokens):
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient tradeable tokens"})
		default:
			s.logger.Error("failed to submit order",
				zap.String("property_id", propertyID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order_id": order.ID})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	userID, ok := auth.SubjectID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return
	}

	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	if err := s.tradingSvc.CancelOrder(c.Request.Context(), userID, orderID); err != nil {
		switch {
		case errors.Is(err, trading.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, trading.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": "order is not cancellable"})
		default:
			s.logger.Error("failed to cancel order",
				zap.String("order_id", orderID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": models.OrderStatusCancelled})
}

func (s *Server) handleGetPortfolio(c *gin.Context) {
	userID, ok := auth.SubjectID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
		return
	}

	portfolio, err := s.tradingSvc.GetPortfolio(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("failed to load portfolio",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, portfolio)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	propertyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property id"})
		return
	}
	s.hub.ServeWS(c.Writer, c.Request, propertyID.String())
}
