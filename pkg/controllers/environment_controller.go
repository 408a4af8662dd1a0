// Package controllers contains the reconciliation engine for
// MaterializeEnvironment resources: one keyed reconcile loop that converges
// each environment's child objects and drives the rollout state machine.
package controllers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	materializev1alpha1 "github.com/materializeinc/environmentd-operator/api/v1alpha1"
	"github.com/materializeinc/environmentd-operator/pkg/config"
	operrors "github.com/materializeinc/environmentd-operator/pkg/errors"
	"github.com/materializeinc/environmentd-operator/pkg/synthesis"
)

const (
	// conditionReady summarizes whether the environment's children are
	// converged and serving.
	conditionReady = "Ready"

	defaultRolloutHealthTimeout = 10 * time.Minute
	rolloutRequeueInterval      = 10 * time.Second
	maxTransientRetries         = 8
)

// EnvironmentReconciler reconciles MaterializeEnvironment resources. Each
// environment is processed under a per-environment lock; distinct
// environments reconcile concurrently.
type EnvironmentReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Config   *config.OperatorConfig
	Log      logr.Logger

	// RolloutHealthTimeout bounds how long a rollout may wait for the
	// replacement workload to become healthy.
	RolloutHealthTimeout time.Duration
	Backoff              *BackoffConfig

	locks      keyedMutex
	limiter    *rate.Limiter
	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	now func() time.Time
}

// NewEnvironmentReconciler wires a reconciler with its default rate limiter,
// breaker registry, and backoff policy.
func NewEnvironmentReconciler(c client.Client, scheme *runtime.Scheme, recorder record.EventRecorder, cfg *config.OperatorConfig) *EnvironmentReconciler {
	return &EnvironmentReconciler{
		Client:               c,
		Scheme:               scheme,
		Recorder:             recorder,
		Config:               cfg,
		Log:                  ctrl.Log.WithName("controllers").WithName("MaterializeEnvironment"),
		RolloutHealthTimeout: defaultRolloutHealthTimeout,
		Backoff:              DefaultBackoffConfig(),
		limiter:              rate.NewLimiter(rate.Limit(20), 40),
		breakers:             make(map[string]*gobreaker.CircuitBreaker),
		now:                  time.Now,
	}
}

// SetupWithManager registers the reconciler and its watches.
func (r *EnvironmentReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&materializev1alpha1.MaterializeEnvironment{}).
		Owns(&appsv1.StatefulSet{}).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.Secret{}).
		Owns(&networkingv1.NetworkPolicy{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: 4}).
		Complete(r)
}

// +kubebuilder:rbac:groups=materialize.cloud,resources=materializeenvironments,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=materialize.cloud,resources=materializeenvironments/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=apps,resources=statefulsets;deployments,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=services;secrets;namespaces,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups=networking.k8s.io,resources=networkpolicies,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile converges one environment: it validates the spec, binds the
// backend secrets, plans the rollout step, applies the child set, and
// advances the rollout state machine.
func (r *EnvironmentReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	unlock := r.locks.lock(req.NamespacedName.String())
	defer unlock()

	logger := log.FromContext(ctx)

	env := &materializev1alpha1.MaterializeEnvironment{}
	if err := r.Get(ctx, req.NamespacedName, env); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	if !env.DeletionTimestamp.IsZero() {
		// Children carry owner references; garbage collection handles them.
		return ctrl.Result{}, nil
	}

	snap, err := synthesis.NewSnapshot(env, r.Config)
	if err != nil {
		// Rejected before any state change: no children exist or change.
		return r.rejectEnvironment(ctx, env, err)
	}

	if err := r.ensureNamespace(ctx, env); err != nil {
		if operrors.KindOf(err) == operrors.KindConfig {
			return r.rejectEnvironment(ctx, env, err)
		}
		return r.requeueTransient(ctx, env, err)
	}

	obs, err := r.observeWorkloads(ctx, env, snap)
	if err != nil {
		return r.requeueTransient(ctx, env, operrors.Classify(err))
	}

	plan := planRollout(env, obs, r.now(), r.healthTimeout())

	if plan.Step == stepDeferred {
		logger.Info("rollout deferred", "reason", plan.Reason)
		perr := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
			st.Reason = plan.Reason
			st.ObservedGeneration = env.Generation
		})
		return ctrl.Result{}, perr
	}

	if plan.Step == stepStart {
		if res, err := r.startRollout(ctx, env, snap, plan); err != nil {
			return res, err
		}
	}

	children := synthesis.Synthesize(snap, synthesis.RolloutView{
		DesiredGeneration: plan.DesiredGeneration,
		ServiceGeneration: plan.ServiceGeneration,
	})
	if err := r.applyThroughBreaker(ctx, req.NamespacedName.String(), env, children); err != nil {
		return r.handleApplyError(ctx, env, err)
	}
	r.clearRetries(ctx, env)

	switch plan.Step {
	case stepSteady:
		reconcilesTotal.WithLabelValues("steady").Inc()
		perr := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
			if st.RolloutPhase == "" {
				st.RolloutPhase = materializev1alpha1.RolloutIdle
			}
			st.ObservedGeneration = env.Generation
			r.setReady(st, env, obs.activeReady)
		})
		return ctrl.Result{}, perr

	case stepStart, stepAdvance:
		perr := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
			st.RolloutPhase = materializev1alpha1.RolloutInProgress
			st.Reason = ""
			st.ObservedGeneration = env.Generation
		})
		rolloutTransitionsTotal.WithLabelValues(string(materializev1alpha1.RolloutInProgress)).Inc()
		return ctrl.Result{RequeueAfter: rolloutRequeueInterval}, perr

	case stepWait:
		return ctrl.Result{RequeueAfter: rolloutRequeueInterval}, nil

	case stepComplete:
		return r.completeRollout(ctx, env, snap, plan)

	case stepTimeout:
		return r.failRollout(ctx, env, snap, plan)
	}
	return ctrl.Result{}, nil
}

// startRollout records the rollout start in status before any child object
// changes, so a crash mid-rollout resumes instead of restarting.
func (r *EnvironmentReconciler) startRollout(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, snap *synthesis.Snapshot, plan rolloutPlan) (ctrl.Result, error) {
	pendingName := synthesis.EnvironmentdName(env.Name, plan.DesiredGeneration, snap.InPlaceRollout)
	request, force := env.Spec.RolloutTokenPair()
	started := metav1.NewTime(r.now())
	if err := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
		st.RolloutPhase = materializev1alpha1.RolloutPending
		st.LastRequestRollout = request
		st.LastForceRollout = force
		st.PendingEnvironmentd = pendingName
		st.RolloutStartedAt = &started
		st.Reason = ""
		st.ObservedGeneration = env.Generation
	}); err != nil {
		return ctrl.Result{}, err
	}
	rolloutTransitionsTotal.WithLabelValues(string(materializev1alpha1.RolloutPending)).Inc()
	r.Recorder.Eventf(env, corev1.EventTypeNormal, "RolloutStarted",
		"rollout to generation %s started", plan.DesiredGeneration)
	return ctrl.Result{}, nil
}

// completeRollout moves traffic to the new generation and retires the old
// workload. The service selector flip already happened in this pass's apply.
func (r *EnvironmentReconciler) completeRollout(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, snap *synthesis.Snapshot, plan rolloutPlan) (ctrl.Result, error) {
	newName := synthesis.EnvironmentdName(env.Name, plan.DesiredGeneration, snap.InPlaceRollout)

	if !snap.InPlaceRollout && env.Status.ActiveEnvironmentd != "" && env.Status.ActiveEnvironmentd != newName {
		old := &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{
			Name:      env.Status.ActiveEnvironmentd,
			Namespace: env.Namespace,
		}}
		if err := r.Delete(ctx, old); err != nil && !apierrors.IsNotFound(err) {
			return r.requeueTransient(ctx, env, operrors.Classify(err))
		}
	}

	if env.Status.RolloutStartedAt != nil {
		rolloutDurationSeconds.Observe(r.now().Sub(env.Status.RolloutStartedAt.Time).Seconds())
	}

	perr := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
		st.RolloutPhase = materializev1alpha1.RolloutIdle
		st.ActiveGeneration = plan.DesiredGeneration
		st.ActiveEnvironmentd = newName
		st.PendingEnvironmentd = ""
		st.RolloutStartedAt = nil
		st.Reason = ""
		st.ObservedGeneration = env.Generation
		r.setReady(st, env, true)
	})
	rolloutTransitionsTotal.WithLabelValues(string(materializev1alpha1.RolloutIdle)).Inc()
	r.Recorder.Eventf(env, corev1.EventTypeNormal, "RolloutCompleted",
		"generation %s is serving", plan.DesiredGeneration)
	return ctrl.Result{}, perr
}

// failRollout marks a timed-out rollout Failed. The previously serving
// workload keeps serving; the replacement that never became healthy is
// removed. A failed rollout is not retried until a token changes again.
func (r *EnvironmentReconciler) failRollout(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, snap *synthesis.Snapshot, plan rolloutPlan) (ctrl.Result, error) {
	if !snap.InPlaceRollout && env.Status.PendingEnvironmentd != "" && env.Status.PendingEnvironmentd != env.Status.ActiveEnvironmentd {
		pending := &appsv1.StatefulSet{ObjectMeta: metav1.ObjectMeta{
			Name:      env.Status.PendingEnvironmentd,
			Namespace: env.Namespace,
		}}
		if err := r.Delete(ctx, pending); err != nil && !apierrors.IsNotFound(err) {
			return r.requeueTransient(ctx, env, operrors.Classify(err))
		}
	}

	reason := healthTimeoutReason(plan.DesiredGeneration, r.healthTimeout())
	perr := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
		st.RolloutPhase = materializev1alpha1.RolloutFailed
		st.PendingEnvironmentd = ""
		st.RolloutStartedAt = nil
		st.Reason = reason
		st.ObservedGeneration = env.Generation
		UpdateCondition(&st.Conditions, metav1.Condition{
			Type:               conditionReady,
			Status:             metav1.ConditionFalse,
			Reason:             string(operrors.KindHealthTimeout),
			Message:            reason,
			LastTransitionTime: metav1.NewTime(r.now()),
			ObservedGeneration: env.Generation,
		})
	})
	rolloutTransitionsTotal.WithLabelValues(string(materializev1alpha1.RolloutFailed)).Inc()
	r.Recorder.Event(env, corev1.EventTypeWarning, "RolloutFailed", reason)
	return ctrl.Result{}, perr
}

// rejectEnvironment surfaces a terminal error: validation, malformed or
// credential-less backend URLs, or a configuration precondition. No children
// are created or changed, and no requeue is scheduled; only a spec or
// configuration change clears it.
func (r *EnvironmentReconciler) rejectEnvironment(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, err error) (ctrl.Result, error) {
	kind := operrors.KindOf(err)
	if kind == "" {
		kind = operrors.KindValidation
	}
	log.FromContext(ctx).Info("environment rejected", "kind", string(kind), "error", err.Error())
	r.Recorder.Event(env, corev1.EventTypeWarning, string(kind), err.Error())
	reconcilesTotal.WithLabelValues("rejected").Inc()

	perr := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
		st.Reason = err.Error()
		st.ObservedGeneration = env.Generation
		UpdateCondition(&st.Conditions, metav1.Condition{
			Type:               conditionReady,
			Status:             metav1.ConditionFalse,
			Reason:             string(kind),
			Message:            err.Error(),
			LastTransitionTime: metav1.NewTime(r.now()),
			ObservedGeneration: env.Generation,
		})
	})
	return ctrl.Result{}, perr
}

// handleApplyError routes a failed child apply: conflicts get one immediate
// re-pass, terminal kinds reject the environment, everything else goes
// through the transient retry budget.
func (r *EnvironmentReconciler) handleApplyError(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, err error) (ctrl.Result, error) {
	switch operrors.KindOf(err) {
	case operrors.KindConflict:
		reconcilesTotal.WithLabelValues("conflict").Inc()
		return ctrl.Result{Requeue: true}, nil
	case operrors.KindValidation, operrors.KindMalformedBackendURL, operrors.KindMissingCredential, operrors.KindConfig:
		return r.rejectEnvironment(ctx, env, err)
	}
	return r.requeueTransient(ctx, env, err)
}

// requeueTransient schedules a retry with exponential backoff. When the
// budget is exhausted the environment is marked Failed and left for the next
// watch event or spec change.
func (r *EnvironmentReconciler) requeueTransient(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, err error) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	retries := GetRetryCount(env)

	if retries >= maxTransientRetries {
		logger.Error(err, "transient retry budget exhausted", "retries", retries)
		reconcilesTotal.WithLabelValues("failed").Inc()
		r.Recorder.Event(env, corev1.EventTypeWarning, string(operrors.KindTransientInfra), err.Error())
		r.clearRetries(ctx, env)
		perr := r.patchStatus(ctx, env, func(st *materializev1alpha1.MaterializeEnvironmentStatus) {
			st.RolloutPhase = materializev1alpha1.RolloutFailed
			st.Reason = err.Error()
			st.ObservedGeneration = env.Generation
			UpdateCondition(&st.Conditions, metav1.Condition{
				Type:               conditionReady,
				Status:             metav1.ConditionFalse,
				Reason:             string(operrors.KindTransientInfra),
				Message:            err.Error(),
				LastTransitionTime: metav1.NewTime(r.now()),
				ObservedGeneration: env.Generation,
			})
		})
		return ctrl.Result{}, perr
	}

	SetRetryCount(env, retries+1)
	if uerr := r.Update(ctx, env); uerr != nil {
		logger.V(1).Info("could not persist retry count", "error", uerr.Error())
	}
	delay := CalculateExponentialBackoff(retries, r.Backoff)
	logger.Error(err, "reconcile failed, backing off", "retries", retries, "delay", delay)
	reconcilesTotal.WithLabelValues("requeued").Inc()
	return ctrl.Result{RequeueAfter: delay}, nil
}

func (r *EnvironmentReconciler) clearRetries(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment) {
	if GetRetryCount(env) == 0 {
		return
	}
	ClearRetryCount(env)
	if err := r.Update(ctx, env); err != nil {
		log.FromContext(ctx).V(1).Info("could not clear retry count", "error", err.Error())
	}
}

// ensureNamespace checks the one-environment-per-namespace precondition. A
// missing namespace is either created (when enabled) or a configuration
// error that stops the pass before any child is written.
func (r *EnvironmentReconciler) ensureNamespace(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment) error {
	ns := &corev1.Namespace{}
	err := r.Get(ctx, client.ObjectKey{Name: env.Namespace}, ns)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return operrors.Classify(err)
	}
	if !r.Config.CreateNamespace {
		return operrors.New(operrors.KindConfig,
			"namespace %q does not exist and namespace creation is disabled", env.Namespace)
	}
	ns = &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name: env.Namespace,
		Labels: map[string]string{
			synthesis.LabelEnvironment: env.Name,
			synthesis.LabelManagedBy:   synthesis.ManagerName,
		},
	}}
	if err := r.Create(ctx, ns); err != nil && !apierrors.IsAlreadyExists(err) {
		return operrors.Classify(err)
	}
	return nil
}

// observeWorkloads reads the active and in-flight primary workloads so the
// planner can gate on health. For in-place rollouts both names are the same
// object; readiness of the in-flight generation additionally requires the
// pod template to carry that generation's token.
func (r *EnvironmentReconciler) observeWorkloads(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, snap *synthesis.Snapshot) (workloadObservation, error) {
	var obs workloadObservation

	if env.Status.ActiveGeneration != "" {
		name := synthesis.EnvironmentdName(env.Name, env.Status.ActiveGeneration, snap.InPlaceRollout)
		sts, err := r.getStatefulSet(ctx, env.Namespace, name)
		if err != nil {
			return obs, err
		}
		obs.activeReady = statefulSetReady(sts)
	}

	inflightGen := synthesis.TokenHash(env.Status.LastRequestRollout, env.Status.LastForceRollout)
	name := synthesis.EnvironmentdName(env.Name, inflightGen, snap.InPlaceRollout)
	sts, err := r.getStatefulSet(ctx, env.Namespace, name)
	if err != nil {
		return obs, err
	}
	obs.pendingReady = statefulSetReady(sts)
	if obs.pendingReady && snap.InPlaceRollout {
		obs.pendingReady = sts.Spec.Template.Annotations[synthesis.AnnotationRolloutToken] == inflightGen
	}
	return obs, nil
}

func (r *EnvironmentReconciler) getStatefulSet(ctx context.Context, namespace, name string) (*appsv1.StatefulSet, error) {
	sts := &appsv1.StatefulSet{}
	err := r.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, sts)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sts, nil
}

// applyThroughBreaker runs the staged child apply behind the environment's
// circuit breaker so an environment stuck failing its writes backs off hard
// instead of hammering the API server.
func (r *EnvironmentReconciler) applyThroughBreaker(ctx context.Context, key string, env *materializev1alpha1.MaterializeEnvironment, children *synthesis.ChildSet) error {
	_, err := r.breakerFor(key).Execute(func() (any, error) {
		return nil, r.applyChildren(ctx, env, children)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return operrors.Wrap(operrors.KindTransientInfra, err, "child apply suspended by circuit breaker")
	}
	return err
}

func (r *EnvironmentReconciler) breakerFor(key string) *gobreaker.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	if r.breakers == nil {
		r.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.Log.Info("child apply circuit state changed",
				"environment", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[key] = cb
	return cb
}

// applyChildren writes the child set stage by stage: the connection secret,
// then network policies, then workloads. Objects within a stage are applied
// in parallel; a stage only starts after the previous one fully succeeded,
// so a workload never runs before the policies that protect it.
func (r *EnvironmentReconciler) applyChildren(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, children *synthesis.ChildSet) error {
	for _, stage := range children.Ordered() {
		g, gctx := errgroup.WithContext(ctx)
		for _, obj := range stage {
			g.Go(func() error {
				return r.applyObject(gctx, env, obj)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// applyObject converges one child toward its synthesized form, reverting any
// drift in the fields the operator owns. Conflicting writers get one
// immediate retry against a re-read copy.
func (r *EnvironmentReconciler) applyObject(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, desired client.Object) error {
	if err := r.waitForTurn(ctx); err != nil {
		return operrors.Wrap(operrors.KindTransientInfra, err, "rate limiter interrupted")
	}
	if err := controllerutil.SetControllerReference(env, desired, r.Scheme); err != nil {
		return operrors.Wrap(operrors.KindValidation, err, "cannot own %s", desired.GetName())
	}

	switch want := desired.(type) {
	case *corev1.Secret:
		existing := &corev1.Secret{}
		return r.converge(ctx, want, existing, func() bool {
			if apiequality.Semantic.DeepEqual(existing.Data, want.Data) &&
				apiequality.Semantic.DeepEqual(existing.Labels, want.Labels) {
				return false
			}
			existing.Labels = want.Labels
			existing.Type = want.Type
			existing.Data = want.Data
			return true
		})

	case *networkingv1.NetworkPolicy:
		existing := &networkingv1.NetworkPolicy{}
		return r.converge(ctx, want, existing, func() bool {
			if apiequality.Semantic.DeepEqual(existing.Spec, want.Spec) &&
				apiequality.Semantic.DeepEqual(existing.Labels, want.Labels) {
				return false
			}
			existing.Labels = want.Labels
			existing.Spec = want.Spec
			return true
		})

	case *appsv1.StatefulSet:
		existing := &appsv1.StatefulSet{}
		return r.converge(ctx, want, existing, func() bool {
			// Selector and service name are immutable; only the mutable
			// surface is converged.
			if apiequality.Semantic.DeepEqual(existing.Spec.Replicas, want.Spec.Replicas) &&
				apiequality.Semantic.DeepEqual(existing.Spec.Template, want.Spec.Template) &&
				apiequality.Semantic.DeepEqual(existing.Labels, want.Labels) {
				return false
			}
			existing.Labels = want.Labels
			existing.Spec.Replicas = want.Spec.Replicas
			existing.Spec.Template = want.Spec.Template
			return true
		})

	case *appsv1.Deployment:
		existing := &appsv1.Deployment{}
		return r.converge(ctx, want, existing, func() bool {
			if apiequality.Semantic.DeepEqual(existing.Spec.Replicas, want.Spec.Replicas) &&
				apiequality.Semantic.DeepEqual(existing.Spec.Template, want.Spec.Template) &&
				apiequality.Semantic.DeepEqual(existing.Labels, want.Labels) {
				return false
			}
			existing.Labels = want.Labels
			existing.Spec.Replicas = want.Spec.Replicas
			existing.Spec.Template = want.Spec.Template
			return true
		})

	case *corev1.Service:
		existing := &corev1.Service{}
		return r.converge(ctx, want, existing, func() bool {
			// ClusterIP is allocated server-side and must be preserved.
			if apiequality.Semantic.DeepEqual(existing.Spec.Selector, want.Spec.Selector) &&
				apiequality.Semantic.DeepEqual(existing.Spec.Ports, want.Spec.Ports) &&
				apiequality.Semantic.DeepEqual(existing.Labels, want.Labels) {
				return false
			}
			existing.Labels = want.Labels
			existing.Spec.Selector = want.Spec.Selector
			existing.Spec.Ports = want.Spec.Ports
			return true
		})
	}

	return operrors.New(operrors.KindValidation, "unsupported child object %T", desired)
}

// converge creates the object when absent, otherwise re-reads it and applies
// the mutation when it reports drift.
func (r *EnvironmentReconciler) converge(ctx context.Context, desired, existing client.Object, mutate func() bool) error {
	kind := childKind(desired)
	key := client.ObjectKeyFromObject(desired)

	err := r.Get(ctx, key, existing)
	if apierrors.IsNotFound(err) {
		if err := r.Create(ctx, desired); err != nil {
			childApplyErrorsTotal.WithLabelValues(kind).Inc()
			return operrors.Classify(err)
		}
		return nil
	}
	if err != nil {
		childApplyErrorsTotal.WithLabelValues(kind).Inc()
		return operrors.Classify(err)
	}

	if !mutate() {
		return nil
	}
	err = r.Update(ctx, existing)
	if apierrors.IsConflict(err) {
		if err = r.Get(ctx, key, existing); err == nil {
			mutate()
			err = r.Update(ctx, existing)
		}
	}
	if err != nil {
		childApplyErrorsTotal.WithLabelValues(kind).Inc()
		return operrors.Classify(err)
	}
	return nil
}

func childKind(obj client.Object) string {
	switch obj.(type) {
	case *corev1.Secret:
		return "Secret"
	case *networkingv1.NetworkPolicy:
		return "NetworkPolicy"
	case *appsv1.StatefulSet:
		return "StatefulSet"
	case *appsv1.Deployment:
		return "Deployment"
	case *corev1.Service:
		return "Service"
	}
	return "Unknown"
}

func (r *EnvironmentReconciler) waitForTurn(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// patchStatus re-reads the environment and updates its status, retrying on
// resource version conflicts. The caller's copy is refreshed on success.
func (r *EnvironmentReconciler) patchStatus(ctx context.Context, env *materializev1alpha1.MaterializeEnvironment, mutate func(*materializev1alpha1.MaterializeEnvironmentStatus)) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		latest := &materializev1alpha1.MaterializeEnvironment{}
		if err := r.Get(ctx, client.ObjectKeyFromObject(env), latest); err != nil {
			return err
		}
		mutate(&latest.Status)
		if err := r.Status().Update(ctx, latest); err != nil {
			return err
		}
		latest.Status.DeepCopyInto(&env.Status)
		return nil
	})
}

func (r *EnvironmentReconciler) setReady(st *materializev1alpha1.MaterializeEnvironmentStatus, env *materializev1alpha1.MaterializeEnvironment, ready bool) {
	status := metav1.ConditionFalse
	reason := "WorkloadNotReady"
	message := "primary workload is not ready"
	if ready {
		status = metav1.ConditionTrue
		reason = "Converged"
		message = "children converged and serving"
		st.Reason = ""
	}
	UpdateCondition(&st.Conditions, metav1.Condition{
		Type:               conditionReady,
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastTransitionTime: metav1.NewTime(r.now()),
		ObservedGeneration: env.Generation,
	})
}

func (r *EnvironmentReconciler) healthTimeout() time.Duration {
	if r.RolloutHealthTimeout > 0 {
		return r.RolloutHealthTimeout
	}
	return defaultRolloutHealthTimeout
}
