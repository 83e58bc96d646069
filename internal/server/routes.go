package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/meshlink/internal/auth"
	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/config"
	"github.com/danmuck/meshlink/internal/protocol"
	"github.com/danmuck/meshlink/internal/session"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes(v auth.Validator) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.name,
			"version": Version,
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("")
	if v != nil {
		api.Use(requireAuth(v))
	}

	api.GET("/status", s.getStatus)
	api.GET("/nodes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"nodes": s.client.Nodes()})
	})
	api.GET("/nodes/:num/telemetry", s.getTelemetry)
	api.GET("/messages", s.getMessages)
	api.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": s.client.Channels()})
	})
	api.GET("/profiles", s.getProfiles)

	api.POST("/connect", s.postConnect)
	api.POST("/disconnect", func(c *gin.Context) {
		s.client.Disconnect()
		c.JSON(http.StatusOK, gin.H{"status": s.client.Status()})
	})

	api.POST("/messages", s.postMessage)
	api.POST("/reactions", s.postReaction)
	api.POST("/nodes/:num/position", s.postPosition)
	api.POST("/nodes/:num/traceroute", s.postTraceRoute)
	api.DELETE("/nodes/:num", s.deleteNode)
	api.PUT("/channels/:index", s.putChannel)
	api.PUT("/config/:section", s.putConfig)
	api.POST("/admin/:action", s.postAdmin)

	api.GET("/selection", s.getSelection)
	api.POST("/selection", s.postSelection)
	api.DELETE("/selection", s.deleteSelection)

	api.GET("/ws", s.serveWS)
}

func (s *Server) getStatus(c *gin.Context) {
	body := gin.H{
		"status":     s.client.Status(),
		"generation": s.client.Generation(),
		"self":       s.client.Self(),
		"pending":    len(s.client.Pending()),
	}
	if p, ok := s.client.Params(); ok {
		body["params"] = p
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getMessages(c *gin.Context) {
	msgs := s.client.Messages()
	if raw := c.Query("channel"); raw != "" {
		ch, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel must be 0-255"})
			return
		}
		filtered := msgs[:0:0]
		for _, m := range msgs {
			if m.Channel == uint8(ch) {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) getTelemetry(c *gin.Context) {
	num, ok := nodeParam(c)
	if !ok {
		return
	}
	if _, known := s.client.Node(num); !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": num, "telemetry": s.client.Telemetry(num)})
}

func (s *Server) getProfiles(c *gin.Context) {
	if s.profiles == "" {
		c.JSON(http.StatusOK, gin.H{"profiles": []config.Profile{}})
		return
	}
	set, err := config.LoadProfiles(s.profiles)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

type connectRequest struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Profile string `json:"profile"`
}

func (s *Server) postConnect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params := transport.Params{Kind: transport.Kind(req.Kind), Address: req.Address}
	if name := strings.TrimSpace(req.Profile); name != "" {
		p, err := s.profile(name)
		if err != nil {
			writeError(c, err)
			return
		}
		if params, err = p.Params(); err != nil {
			writeError(c, err)
			return
		}
	}
	if err := s.client.Connect(c.Request.Context(), params); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.client.Status(), "self": s.client.Self()})
}

func (s *Server) profile(name string) (config.Profile, error) {
	if s.profiles == "" {
		return config.Profile{}, config.ErrProfileNotFound
	}
	set, err := config.LoadProfiles(s.profiles)
	if err != nil {
		return config.Profile{}, err
	}
	p, ok := set.Find(name)
	if !ok {
		return config.Profile{}, config.ErrProfileNotFound
	}
	return p, nil
}

type messageRequest struct {
	To      uint32 `json:"to"`
	Channel uint8  `json:"channel"`
	Text    string `json:"text"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.client.SendText(c.Request.Context(), req.To, req.Channel, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": rec})
}

type reactionRequest struct {
	To      uint32 `json:"to"`
	Channel uint8  `json:"channel"`
	ReplyID uint32 `json:"reply_id"`
	Emoji   string `json:"emoji"`
}

func (s *Server) postReaction(c *gin.Context) {
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.client.SendReaction(c.Request.Context(), req.To, req.Channel, req.ReplyID, req.Emoji)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": rec})
}

func (s *Server) postPosition(c *gin.Context) {
	num, ok := nodeParam(c)
	if !ok {
		return
	}
	if err := s.client.RequestPosition(c.Request.Context(), num); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested", "node": num})
}

func (s *Server) postTraceRoute(c *gin.Context) {
	num, ok := nodeParam(c)
	if !ok {
		return
	}
	if err := s.client.TraceRoute(c.Request.Context(), num); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested", "node": num})
}

func (s *Server) deleteNode(c *gin.Context) {
	num, ok := nodeParam(c)
	if !ok {
		return
	}
	if err := s.client.RemoveNode(c.Request.Context(), num); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "node": num})
}

type channelRequest struct {
	Name string               `json:"name"`
	Role protocol.ChannelRole `json:"role"`
	PSK  []byte               `json:"psk"`
}

func (s *Server) putChannel(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 8)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel index"})
		return
	}
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Role {
	case protocol.ChannelDisabled, protocol.ChannelPrimary, protocol.ChannelSecondary:
	case "":
		req.Role = protocol.ChannelSecondary
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel role"})
		return
	}
	ch := protocol.Channel{Index: uint8(index), Name: req.Name, Role: req.Role, PSK: req.PSK}
	if err := s.client.SetChannel(c.Request.Context(), ch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": s.client.Channels()})
}

func (s *Server) putConfig(c *gin.Context) {
	section := strings.TrimSpace(c.Param("section"))
	var values map[string]any
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.client.SetConfig(c.Request.Context(), section, values); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied", "section": section})
}

type adminRequest struct {
	Node      uint32 `json:"node"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	Seconds   uint32 `json:"seconds"`
	Favorite  bool   `json:"favorite"`
}

func (s *Server) postAdmin(c *gin.Context) {
	action, ok := protocol.ParseAdminAction(c.Param("action"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown admin action"})
		return
	}
	var req adminRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	err := s.client.Admin(c.Request.Context(), protocol.AdminRequest{
		Action:    action,
		Node:      req.Node,
		LongName:  req.LongName,
		ShortName: req.ShortName,
		Seconds:   req.Seconds,
		Favorite:  req.Favorite,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": action})
}

func (s *Server) getSelection(c *gin.Context) {
	if s.selector == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": transport.ErrNoPendingSelection.Error()})
		return
	}
	pending, ok := s.selector.Pending()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": transport.ErrNoPendingSelection.Error()})
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (s *Server) postSelection(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.selector == nil {
		writeError(c, transport.ErrNoPendingSelection)
		return
	}
	if err := s.selector.Choose(req.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "chosen", "id": req.ID})
}

func (s *Server) deleteSelection(c *gin.Context) {
	if s.selector == nil {
		writeError(c, transport.ErrNoPendingSelection)
		return
	}
	if err := s.selector.Cancel(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// nodeParam accepts decimal, 0x-prefixed or !-prefixed hex node numbers.
func nodeParam(c *gin.Context) (uint32, bool) {
	raw := c.Param("num")
	base := 0
	if hex, ok := strings.CutPrefix(raw, "!"); ok {
		raw, base = hex, 16
	}
	num, err := strconv.ParseUint(raw, base, 32)
	if err != nil || num == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node number"})
		return 0, false
	}
	return uint32(num), true
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var delivery *client.DeliveryError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &delivery):
		status = http.StatusBadGateway
		body["packet_id"] = delivery.PacketID
		body["reason"] = delivery.Reason
	case errors.Is(err, client.ErrInvalidArgument),
		errors.Is(err, transport.ErrInvalidAddress),
		errors.Is(err, transport.ErrUnknownKind),
		errors.Is(err, transport.ErrUnknownCandidate),
		errors.Is(err, protocol.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, client.ErrNotConnected),
		errors.Is(err, client.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, transport.ErrNoPendingSelection),
		errors.Is(err, config.ErrProfileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transport.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrConfigurationTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrIO):
		status = http.StatusBadGateway
	}
	c.JSON(status, body)
}
