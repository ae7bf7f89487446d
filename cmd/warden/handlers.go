package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"github.com/vigil-social/vigil/policylist"
)

// RunAdmin serves the read-mostly admin API: list inventory, active rules,
// and manual unbans.
func (s *Server) RunAdmin(bind string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/admin/lists", s.handleListIndex)
	e.GET("/admin/lists/:container/rules", s.handleListRules)
	e.POST("/admin/lists/:container/unban", s.handleUnban)

	return e.Start(bind)
}

type healthStatus struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, healthStatus{Status: "ok"})
}

type listSummary struct {
	ContainerID string `json:"containerId"`
	Shortcode   string `json:"shortcode,omitempty"`
	RuleCount   int    `json:"ruleCount"`
}

func (s *Server) handleListIndex(c echo.Context) error {
	out := []listSummary{}
	for containerID, list := range s.lists {
		out = append(out, listSummary{
			ContainerID: containerID,
			Shortcode:   list.Shortcode(),
			RuleCount:   len(list.AllRules()),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListRules(c echo.Context) error {
	list, ok := s.lists[c.Param("container")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "container not tracked")
	}
	if kind := c.QueryParam("kind"); kind != "" {
		return c.JSON(http.StatusOK, list.RulesOf(policylist.RuleKind(kind)))
	}
	return c.JSON(http.StatusOK, list.AllRules())
}

type unbanRequest struct {
	Kind   policylist.RuleKind `json:"kind"`
	Entity string              `json:"entity"`
}

type unbanResponse struct {
	Cleared bool `json:"cleared"`
}

func (s *Server) handleUnban(c echo.Context) error {
	list, ok := s.lists[c.Param("container")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "container not tracked")
	}
	var req unbanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Entity == "" || len(req.Kind.AliasTypes()) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "kind and entity are required")
	}
	cleared, err := list.UnbanEntity(c.Request().Context(), req.Kind, req.Entity)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, unbanResponse{Cleared: cleared})
}
