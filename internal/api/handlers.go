package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"go-goals/internal/goals"
)

const defaultPageSize = 50

// ListGoalsHandler returns goals newest first, optionally filtered by state.
func ListGoalsHandler(eng *goals.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := eng.DB().Model(&goals.Goal{}).Order("created_at desc")
		if state := c.Query("state"); state != "" {
			q = q.Where("state = ?", state)
		}
		limit := defaultPageSize
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		offset := 0
		if raw := c.Query("offset"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
				return
			}
			offset = n
		}
		var list []goals.Goal
		if err := q.Limit(limit).Offset(offset).Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// GetGoalHandler returns one goal with its progress history and its
// precondition goals.
func GetGoalHandler(eng *goals.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := goalID(c)
		if !ok {
			return
		}
		var goal goals.Goal
		if err := eng.DB().Where("id = ?", id).First(&goal).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var progress []goals.GoalProgress
		if err := eng.DB().Where("goal_id = ?", id).Order("created_at desc").Find(&progress).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		var preconditions []goals.Goal
		if err := eng.DB().
			Select("goals.*").
			Joins("JOIN goal_dependencies ON goal_dependencies.precondition_goal_id = goals.id").
			Where("goal_dependencies.dependent_goal_id = ?", id).
			Find(&preconditions).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"goal":               goal,
			"progress":           progress,
			"precondition_goals": preconditions,
		})
	}
}

// ScheduleGoalHandler creates a goal from a JSON request.
func ScheduleGoalHandler(eng *goals.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Handler           string     `json:"handler" binding:"required"`
			Instructions      any        `json:"instructions"`
			PreconditionDate  *time.Time `json:"precondition_date"`
			PreconditionGoals []string   `json:"precondition_goals"`
			Blocked           bool       `json:"blocked"`
			Deadline          *time.Time `json:"deadline"`
			PreconditionsMode string     `json:"preconditions_mode"`
			FailureBehavior   string     `json:"precondition_failure_behavior"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		var preconditions []*goals.Goal
		for _, raw := range req.PreconditionGoals {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid precondition goal id"})
				return
			}
			var pre goals.Goal
			if err := eng.DB().Where("id = ?", id).First(&pre).Error; err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "precondition goal not found"})
				return
			}
			preconditions = append(preconditions, &pre)
		}
		goal, err := eng.Schedule(c.Request.Context(), req.Handler, goals.ScheduleOptions{
			Instructions:                req.Instructions,
			PreconditionDate:            req.PreconditionDate,
			PreconditionGoals:           preconditions,
			Blocked:                     req.Blocked,
			Deadline:                    req.Deadline,
			PreconditionsMode:           goals.PreconditionsMode(req.PreconditionsMode),
			PreconditionFailureBehavior: goals.PreconditionFailureBehavior(req.FailureBehavior),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, goal)
	}
}

// BlockGoalHandler is the operator block action.
func BlockGoalHandler(eng *goals.Engine) gin.HandlerFunc {
	return operatorAction(eng, func(eng *goals.Engine, id uuid.UUID) error {
		return eng.Block(id)
	})
}

// UnblockRetryGoalHandler is the operator unblock/retry action.
func UnblockRetryGoalHandler(eng *goals.Engine) gin.HandlerFunc {
	return operatorAction(eng, func(eng *goals.Engine, id uuid.UUID) error {
		return eng.UnblockRetry(id)
	})
}

func operatorAction(eng *goals.Engine, action func(*goals.Engine, uuid.UUID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := goalID(c)
		if !ok {
			return
		}
		if err := action(eng, id); err != nil {
			switch {
			case errors.Is(err, goals.ErrInvalidStateForAction):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "goal not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HealthHandler reports liveness and store reachability.
func HealthHandler(eng *goals.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var one int
		if err := eng.DB().Raw("SELECT 1").Scan(&one).Error; err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func goalID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid goal id"})
		return uuid.Nil, false
	}
	return id, true
}
