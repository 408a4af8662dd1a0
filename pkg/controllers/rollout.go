package controllers

import (
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"

	materializev1alpha1 "github.com/materializeinc/environmentd-operator/api/v1alpha1"
	"github.com/materializeinc/environmentd-operator/pkg/synthesis"
)

// rolloutStep is the action the engine takes this pass.
type rolloutStep int

const (
	// stepSteady maintains the active generation; no rollout is running.
	stepSteady rolloutStep = iota
	// stepStart begins a new rollout keyed by the spec's token pair.
	stepStart
	// stepAdvance resumes a rollout whose start was recorded but whose
	// workload has not been confirmed in progress yet.
	stepAdvance
	// stepWait keeps an in-progress rollout applied while its workload
	// becomes healthy.
	stepWait
	// stepComplete finishes a rollout whose workload reached health.
	stepComplete
	// stepTimeout fails a rollout that exceeded the health wait.
	stepTimeout
	// stepDeferred holds a requested rollout because the environment is
	// not healthy; forceRollout bypasses this.
	stepDeferred
)

// rolloutPlan is the pure decision for one reconcile pass: which step to
// take, which generation the primary workload should run, and which
// generation the stable service routes traffic to.
type rolloutPlan struct {
	Step              rolloutStep
	DesiredGeneration string
	ServiceGeneration string
	Reason            string
}

// workloadObservation is what the engine saw in the cluster before planning.
type workloadObservation struct {
	activeReady  bool
	pendingReady bool
}

// planRollout decides the next step of the rollout state machine from the
// environment's status, the spec's token pair, and the observed workloads.
// It never touches the cluster.
//
// Tokens are compared against the last pair a rollout was started for. While
// a rollout is in progress the recorded pair is frozen, so token changes that
// land mid-rollout coalesce into a single follow-up rollout once the machine
// returns to Idle.
func planRollout(env *materializev1alpha1.MaterializeEnvironment, obs workloadObservation, now time.Time, healthTimeout time.Duration) rolloutPlan {
	request, force := env.Spec.RolloutTokenPair()
	specGen := synthesis.TokenHash(request, force)
	inflightGen := synthesis.TokenHash(env.Status.LastRequestRollout, env.Status.LastForceRollout)
	activeGen := env.Status.ActiveGeneration

	// While a rollout runs the stable service stays pinned to the active
	// generation. A first rollout has no active generation, so the service
	// routes to the in-flight one.
	pinnedGen := activeGen
	if pinnedGen == "" {
		pinnedGen = inflightGen
	}

	switch env.Status.RolloutPhase {
	case materializev1alpha1.RolloutPending:
		if expired(env, now, healthTimeout) {
			return rolloutPlan{Step: stepTimeout, DesiredGeneration: inflightGen, ServiceGeneration: pinnedGen}
		}
		return rolloutPlan{Step: stepAdvance, DesiredGeneration: inflightGen, ServiceGeneration: pinnedGen}

	case materializev1alpha1.RolloutInProgress:
		if obs.pendingReady {
			return rolloutPlan{Step: stepComplete, DesiredGeneration: inflightGen, ServiceGeneration: inflightGen}
		}
		if expired(env, now, healthTimeout) {
			return rolloutPlan{Step: stepTimeout, DesiredGeneration: inflightGen, ServiceGeneration: pinnedGen}
		}
		return rolloutPlan{Step: stepWait, DesiredGeneration: inflightGen, ServiceGeneration: pinnedGen}
	}

	// Idle, Failed, or a fresh resource with no phase yet.
	tokensChanged := request != env.Status.LastRequestRollout ||
		force != env.Status.LastForceRollout

	if activeGen == "" {
		if env.Status.RolloutPhase == materializev1alpha1.RolloutFailed && !tokensChanged {
			// A first rollout that failed holds like any other failed
			// rollout: nothing restarts until a token changes.
			return rolloutPlan{Step: stepDeferred, Reason: env.Status.Reason}
		}
		// Nothing exists yet: the first reconcile rolls out, health gating
		// has nothing to gate on.
		return rolloutPlan{Step: stepStart, DesiredGeneration: specGen, ServiceGeneration: specGen}
	}

	if !tokensChanged {
		return rolloutPlan{Step: stepSteady, DesiredGeneration: activeGen, ServiceGeneration: activeGen}
	}

	forceChanged := force != env.Status.LastForceRollout
	if !forceChanged && !obs.activeReady {
		return rolloutPlan{
			Step:              stepDeferred,
			DesiredGeneration: activeGen,
			ServiceGeneration: activeGen,
			Reason:            "rollout deferred: environment is not healthy",
		}
	}
	return rolloutPlan{Step: stepStart, DesiredGeneration: specGen, ServiceGeneration: activeGen}
}

func expired(env *materializev1alpha1.MaterializeEnvironment, now time.Time, healthTimeout time.Duration) bool {
	if env.Status.RolloutStartedAt == nil {
		return false
	}
	return now.Sub(env.Status.RolloutStartedAt.Time) > healthTimeout
}

// statefulSetReady reports whether the workload is serving: every desired
// replica is ready and on the current template.
func statefulSetReady(sts *appsv1.StatefulSet) bool {
	if sts == nil {
		return false
	}
	if sts.Status.ObservedGeneration < sts.Generation {
		// The replica counters still describe an older template.
		return false
	}
	want := int32(1)
	if sts.Spec.Replicas != nil {
		want = *sts.Spec.Replicas
	}
	return sts.Status.ReadyReplicas >= want && sts.Status.UpdatedReplicas >= want
}

// healthTimeoutReason renders the terminal reason for a timed-out rollout.
func healthTimeoutReason(generation string, healthTimeout time.Duration) string {
	return fmt.Sprintf("HealthTimeoutError: generation %s did not become healthy within %s", generation, healthTimeout)
}
