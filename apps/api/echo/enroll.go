package echoapi

import (
	"net/http"
	"sync"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/chekechea/core"
	"github.com/trezcool/chekechea/core/enroll"
)

const dateLayout = "2006-01-02"

type enrollApi struct {
	svc        enroll.Service
	validate   *validator.Validate
	translator ut.Translator

	plans planStore
}

func registerEnrollAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc enroll.Service,
	validate *validator.Validate,
	translator ut.Translator,
) {
	api := &enrollApi{
		svc:        svc,
		validate:   validate,
		translator: translator,
		plans:      planStore{plans: make(map[string]*enroll.Plan)},
	}

	// the whole enrollment surface requires an operator or admin account
	ag := g.Group("", jwt, operatorMiddleware())

	cg := ag.Group("/children")
	cg.POST("", api.register)
	cg.GET("", api.query)
	cg.GET("/:id", api.retrieve)
	cg.PUT("/:id", api.update)
	cg.DELETE("/:id", api.destroy, adminMiddleware())
	cg.GET("/:id/history", api.history)
	cg.GET("/:id/age-band", api.classify)
	cg.GET("/:id/slots", api.slots)

	// lifecycle transitions
	cg.POST("/:id/convoke", api.convoke)
	cg.POST("/:id/confirm", api.confirm)
	cg.POST("/:id/decline", api.decline)
	cg.POST("/:id/expire", api.expire)
	cg.POST("/:id/reassignment-request", api.requestReassignment)
	cg.POST("/:id/reassignment-approve", api.approveReassignment)
	cg.POST("/:id/withdraw", api.withdraw)
	cg.POST("/:id/transfer-out", api.transferOut)
	cg.POST("/:id/reactivate", api.reactivate)
	cg.POST("/:id/reallocate", api.reallocate)

	ag.GET("/waitlist", api.waitlist)
	ag.GET("/sites/utilization", api.siteUtilization)

	ag.GET("/convocations/expired", api.expiredConvocations)
	ag.POST("/convocations/sweep", api.sweepConvocations, adminMiddleware())

	pg := ag.Group("/transition-plans", adminMiddleware())
	pg.POST("", api.buildPlan)
	pg.GET("/:id", api.retrievePlan)
	pg.GET("/:id/diff", api.diffPlan)
	pg.PATCH("/:id", api.editPlan)
	pg.POST("/:id/commit", api.commitPlan)
}

// actor returns the audit label for the authenticated caller.
func actor(ctx echo.Context) string {
	if claims, err := getContextClaims(ctx); err == nil {
		if claims.Username != "" {
			return claims.Username
		}
		return claims.Subject
	}
	return ""
}

// Handlers

func (api *enrollApi) register(ctx echo.Context) error {
	var data enroll.NewChild
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewChild")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ch, err := api.svc.Register(ctx.Request().Context(), data, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "registering child")
	}
	return ctx.JSON(http.StatusCreated, ch)
}

func (api *enrollApi) query(ctx echo.Context) error {
	filter := new(enroll.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []enroll.Child{})
	}
	filter.Clean()

	children, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying children")
	}
	if children == nil {
		children = []enroll.Child{}
	}
	return ctx.JSON(http.StatusOK, children)
}

func (api *enrollApi) retrieve(ctx echo.Context) error {
	ch, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding child")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) update(ctx echo.Context) error {
	var data enroll.UpdateChild
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateChild")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ch, err := api.svc.Update(ctx.Request().Context(), ctx.Param("id"), data, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "updating child")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) destroy(ctx echo.Context) error {
	var data JustificationRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to JustificationRequest")
	}

	if err := api.svc.Delete(ctx.Request().Context(), ctx.Param("id"), data.Justification, actor(ctx)); err != nil {
		return errors.Wrap(err, "deleting child")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *enrollApi) history(ctx echo.Context) error {
	entries, err := api.svc.History(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "querying history")
	}
	if entries == nil {
		entries = []enroll.HistoryEntry{}
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (api *enrollApi) classify(ctx echo.Context) error {
	cutoff := time.Now().UTC()
	if raw := ctx.QueryParam("cutoff"); raw != "" {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "cutoff", Error: "expected YYYY-MM-DD"})
		}
		cutoff = d
	}

	band, err := api.svc.ClassifyChild(ctx.Request().Context(), ctx.Param("id"), cutoff)
	if err != nil {
		return errors.Wrap(err, "classifying child")
	}
	return ctx.JSON(http.StatusOK, band)
}

func (api *enrollApi) slots(ctx echo.Context) error {
	mode := enroll.SlotMode(ctx.QueryParam("mode"))
	if mode == "" {
		mode = enroll.ModeNormal
	}
	if !mode.Valid() {
		return core.NewValidationError(nil, core.FieldError{Field: "mode", Error: "unknown slot mode"})
	}

	slots, err := api.svc.FindSlots(ctx.Request().Context(), ctx.Param("id"), mode)
	if err != nil {
		return errors.Wrap(err, "finding slots")
	}
	if slots == nil {
		slots = []enroll.Slot{}
	}
	return ctx.JSON(http.StatusOK, slots)
}

func (api *enrollApi) convoke(ctx echo.Context) error {
	var data ConvokeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ConvokeRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	ch, err := api.svc.Convoke(ctx.Request().Context(), ctx.Param("id"), data.SiteID, data.ClassroomID, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "convoking child")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) confirm(ctx echo.Context) error {
	ch, err := api.svc.ConfirmEnrollment(ctx.Request().Context(), ctx.Param("id"), actor(ctx))
	if err != nil {
		return errors.Wrap(err, "confirming enrollment")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) decline(ctx echo.Context) error {
	var data JustificationRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to JustificationRequest")
	}

	ch, err := api.svc.Decline(ctx.Request().Context(), ctx.Param("id"), data.Justification, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "declining convocation")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) expire(ctx echo.Context) error {
	var data JustificationRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to JustificationRequest")
	}

	ch, err := api.svc.ExpireToBackOfQueue(ctx.Request().Context(), ctx.Param("id"), data.Justification, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "expiring convocation")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) requestReassignment(ctx echo.Context) error {
	var data ReassignmentRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReassignmentRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	ch, err := api.svc.RequestReassignment(ctx.Request().Context(), ctx.Param("id"), data.TargetSiteID, data.Justification, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "requesting reassignment")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) approveReassignment(ctx echo.Context) error {
	var data PlacementRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PlacementRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	ch, err := api.svc.ApproveReassignment(ctx.Request().Context(), ctx.Param("id"), data.SiteID, data.ClassroomID, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "approving reassignment")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) withdraw(ctx echo.Context) error {
	var data JustificationRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to JustificationRequest")
	}

	ch, err := api.svc.MarkWithdrawn(ctx.Request().Context(), ctx.Param("id"), data.Justification, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "registering withdrawal")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) transferOut(ctx echo.Context) error {
	var data JustificationRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to JustificationRequest")
	}

	ch, err := api.svc.MarkTransferredOutOfCity(ctx.Request().Context(), ctx.Param("id"), data.Justification, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "registering transfer")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) reactivate(ctx echo.Context) error {
	ch, err := api.svc.Reactivate(ctx.Request().Context(), ctx.Param("id"), actor(ctx))
	if err != nil {
		return errors.Wrap(err, "reactivating child")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) reallocate(ctx echo.Context) error {
	var data ReallocateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ReallocateRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	ch, err := api.svc.Reallocate(ctx.Request().Context(), ctx.Param("id"), data.ClassroomID, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "reallocating child")
	}
	return ctx.JSON(http.StatusOK, ch)
}

func (api *enrollApi) waitlist(ctx echo.Context) error {
	entries, err := api.svc.Waitlist(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "ranking waitlist")
	}
	if entries == nil {
		entries = []enroll.QueueEntry{}
	}
	return ctx.JSON(http.StatusOK, entries)
}

func (api *enrollApi) siteUtilization(ctx echo.Context) error {
	usage, err := api.svc.SiteUtilization(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "aggregating site utilization")
	}
	if usage == nil {
		usage = []enroll.SiteUsage{}
	}
	return ctx.JSON(http.StatusOK, usage)
}

func (api *enrollApi) expiredConvocations(ctx echo.Context) error {
	children, err := api.svc.FindExpiredConvocations(ctx.Request().Context(), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "finding expired convocations")
	}
	if children == nil {
		children = []enroll.Child{}
	}
	return ctx.JSON(http.StatusOK, children)
}

func (api *enrollApi) sweepConvocations(ctx echo.Context) error {
	swept, err := api.svc.SweepExpiredConvocations(ctx.Request().Context(), time.Now().UTC(), actor(ctx))
	if err != nil {
		return errors.Wrap(err, "sweeping expired convocations")
	}
	if swept == nil {
		swept = []enroll.Child{}
	}
	return ctx.JSON(http.StatusOK, swept)
}

// Transition plans

func (api *enrollApi) buildPlan(ctx echo.Context) error {
	var data PlanBuildRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PlanBuildRequest")
	}

	var cutoff time.Time
	if data.Cutoff != "" {
		d, err := time.Parse(dateLayout, data.Cutoff)
		if err != nil {
			return core.NewValidationError(nil, core.FieldError{Field: "cutoff", Error: "expected YYYY-MM-DD"})
		}
		cutoff = d
	}

	plan, err := api.svc.BuildTransitionPlan(ctx.Request().Context(), cutoff)
	if err != nil {
		return errors.Wrap(err, "building transition plan")
	}
	api.plans.put(plan)
	return ctx.JSON(http.StatusCreated, plan)
}

func (api *enrollApi) retrievePlan(ctx echo.Context) error {
	plan, ok := api.plans.get(ctx.Param("id"))
	if !ok {
		return errHttpNotFound
	}
	return ctx.JSON(http.StatusOK, plan)
}

func (api *enrollApi) diffPlan(ctx echo.Context) error {
	plan, ok := api.plans.get(ctx.Param("id"))
	if !ok {
		return errHttpNotFound
	}
	diff, err := plan.Diff()
	if err != nil {
		return errors.Wrap(err, "rendering plan diff")
	}
	return ctx.JSON(http.StatusOK, PlanDiffResponse{Diff: diff})
}

func (api *enrollApi) editPlan(ctx echo.Context) error {
	plan, ok := api.plans.get(ctx.Param("id"))
	if !ok {
		return errHttpNotFound
	}

	var data PlanEditRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PlanEditRequest")
	}
	if err := api.validate.Struct(&data); err != nil {
		return err
	}

	if data.PlannedStatus != "" {
		status := enroll.Status(data.PlannedStatus)
		if !status.Valid() {
			return core.NewValidationError(nil, core.FieldError{Field: "planned_status", Error: "unknown status"})
		}
		if err := plan.SetPlannedStatus(data.ChildID, status); err != nil {
			return errors.Wrap(err, "setting planned status")
		}
	}
	if data.PlannedSiteID != "" || data.PlannedClassroomID != "" {
		if err := plan.SetPlannedPlacement(data.ChildID, data.PlannedSiteID, data.PlannedClassroomID); err != nil {
			return errors.Wrap(err, "setting planned placement")
		}
	}
	return ctx.JSON(http.StatusOK, plan)
}

func (api *enrollApi) commitPlan(ctx echo.Context) error {
	plan, ok := api.plans.get(ctx.Param("id"))
	if !ok {
		return errHttpNotFound
	}

	result, err := api.svc.CommitTransitionPlan(ctx.Request().Context(), plan, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "committing transition plan")
	}
	api.plans.remove(plan.ID)
	return ctx.JSON(http.StatusOK, result)
}

// planStore keeps built plans in memory pending review; plans never outlive
// the API process.
type planStore struct {
	mu    sync.Mutex
	plans map[string]*enroll.Plan
}

func (ps *planStore) put(p *enroll.Plan) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.plans[p.ID] = p
}

func (ps *planStore) get(id string) (*enroll.Plan, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.plans[id]
	return p, ok
}

func (ps *planStore) remove(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.plans, id)
}

// Request/response bindings

type (
	ConvokeRequest struct {
		SiteID      string `json:"site_id" validate:"required,uuid4"`
		ClassroomID string `json:"classroom_id" validate:"required,uuid4"`
	}

	PlacementRequest struct {
		SiteID      string `json:"site_id" validate:"required,uuid4"`
		ClassroomID string `json:"classroom_id" validate:"required,uuid4"`
	}

	ReallocateRequest struct {
		ClassroomID string `json:"classroom_id" validate:"required,uuid4"`
	}

	ReassignmentRequest struct {
		TargetSiteID  string `json:"target_site_id" validate:"required,uuid4"`
		Justification string `json:"justification"`
	}

	JustificationRequest struct {
		Justification string `json:"justification"`
	}

	PlanBuildRequest struct {
		Cutoff string `json:"cutoff"` // YYYY-MM-DD; zero = next cutoff from settings
	}

	PlanEditRequest struct {
		ChildID            string `json:"child_id" validate:"required,uuid4"`
		PlannedStatus      string `json:"planned_status"`
		PlannedSiteID      string `json:"planned_site_id" validate:"omitempty,uuid4"`
		PlannedClassroomID string `json:"planned_classroom_id" validate:"omitempty,uuid4"`
	}

	PlanDiffResponse struct {
		Diff string `json:"diff"`
	}
)
