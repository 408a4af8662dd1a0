package controllers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	materializev1alpha1 "github.com/materializeinc/environmentd-operator/api/v1alpha1"
	"github.com/materializeinc/environmentd-operator/pkg/synthesis"
)

func plannerEnv(phase materializev1alpha1.RolloutPhase, lastRequest, lastForce string) *materializev1alpha1.MaterializeEnvironment {
	env := &materializev1alpha1.MaterializeEnvironment{
		ObjectMeta: metav1.ObjectMeta{Name: "acme", Namespace: "env-acme"},
		Spec: materializev1alpha1.MaterializeEnvironmentSpec{
			RequestRollout: lastRequest,
			ForceRollout:   lastForce,
		},
		Status: materializev1alpha1.MaterializeEnvironmentStatus{
			RolloutPhase:       phase,
			LastRequestRollout: lastRequest,
			LastForceRollout:   lastForce,
		},
	}
	if phase != "" {
		env.Status.ActiveGeneration = synthesis.TokenHash(lastRequest, lastForce)
	}
	return env
}

func TestPlanRolloutStaysSteadyOnUnchangedTokens(t *testing.T) {
	for _, phase := range []materializev1alpha1.RolloutPhase{
		materializev1alpha1.RolloutIdle,
		materializev1alpha1.RolloutFailed,
	} {
		env := plannerEnv(phase, "req-1", "force-1")
		plan := planRollout(env, workloadObservation{activeReady: true}, time.Now(), time.Minute)

		assert.Equal(t, stepSteady, plan.Step, "phase %s", phase)
		assert.Equal(t, env.Status.ActiveGeneration, plan.DesiredGeneration)
		assert.Equal(t, env.Status.ActiveGeneration, plan.ServiceGeneration)
	}
}

func TestPlanRolloutBootstrapsWithoutHealthGate(t *testing.T) {
	env := plannerEnv("", "req-1", "")
	env.Status.ActiveGeneration = ""

	plan := planRollout(env, workloadObservation{}, time.Now(), time.Minute)
	assert.Equal(t, stepStart, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-1", ""), plan.DesiredGeneration)
}

func TestPlanRolloutFailedBootstrapHoldsUntilTokenChange(t *testing.T) {
	env := plannerEnv(materializev1alpha1.RolloutFailed, "req-1", "")
	env.Status.ActiveGeneration = ""
	env.Status.Reason = "HealthTimeoutError: generation aaaaaaaa did not become healthy within 1m0s"

	plan := planRollout(env, workloadObservation{}, time.Now(), time.Minute)
	assert.Equal(t, stepDeferred, plan.Step)
	assert.Equal(t, env.Status.Reason, plan.Reason)

	env.Spec.ForceRollout = "force-1"
	plan = planRollout(env, workloadObservation{}, time.Now(), time.Minute)
	assert.Equal(t, stepStart, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-1", "force-1"), plan.DesiredGeneration)
}

func TestPlanRolloutRequestGatedOnHealth(t *testing.T) {
	env := plannerEnv(materializev1alpha1.RolloutIdle, "req-1", "force-1")
	env.Spec.RequestRollout = "req-2"

	plan := planRollout(env, workloadObservation{activeReady: false}, time.Now(), time.Minute)
	assert.Equal(t, stepDeferred, plan.Step)
	assert.Equal(t, env.Status.ActiveGeneration, plan.DesiredGeneration)

	plan = planRollout(env, workloadObservation{activeReady: true}, time.Now(), time.Minute)
	assert.Equal(t, stepStart, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-2", "force-1"), plan.DesiredGeneration)
	assert.Equal(t, env.Status.ActiveGeneration, plan.ServiceGeneration,
		"traffic stays on the active generation until the new one is healthy")
}

func TestPlanRolloutForceBypassesHealthGate(t *testing.T) {
	env := plannerEnv(materializev1alpha1.RolloutIdle, "req-1", "force-1")
	env.Spec.ForceRollout = "force-2"

	plan := planRollout(env, workloadObservation{activeReady: false}, time.Now(), time.Minute)
	assert.Equal(t, stepStart, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-1", "force-2"), plan.DesiredGeneration)
}

func TestPlanRolloutBothTokensOneRollout(t *testing.T) {
	env := plannerEnv(materializev1alpha1.RolloutIdle, "req-1", "force-1")
	env.Spec.RequestRollout = "req-2"
	env.Spec.ForceRollout = "force-2"

	plan := planRollout(env, workloadObservation{activeReady: true}, time.Now(), time.Minute)
	assert.Equal(t, stepStart, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-2", "force-2"), plan.DesiredGeneration)
}

func TestPlanRolloutInProgress(t *testing.T) {
	started := metav1.NewTime(time.Now().Add(-time.Minute))

	env := plannerEnv(materializev1alpha1.RolloutInProgress, "req-2", "force-1")
	env.Status.ActiveGeneration = synthesis.TokenHash("req-1", "force-1")
	env.Status.RolloutStartedAt = &started

	// Not healthy yet, within the deadline: keep waiting, traffic pinned
	// to the old generation.
	plan := planRollout(env, workloadObservation{}, time.Now(), time.Hour)
	assert.Equal(t, stepWait, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-2", "force-1"), plan.DesiredGeneration)
	assert.Equal(t, synthesis.TokenHash("req-1", "force-1"), plan.ServiceGeneration)

	// Healthy: complete and flip traffic.
	plan = planRollout(env, workloadObservation{pendingReady: true}, time.Now(), time.Hour)
	assert.Equal(t, stepComplete, plan.Step)
	assert.Equal(t, plan.DesiredGeneration, plan.ServiceGeneration)

	// Deadline exceeded: fail, traffic still on the old generation.
	plan = planRollout(env, workloadObservation{}, time.Now().Add(2*time.Hour), time.Hour)
	assert.Equal(t, stepTimeout, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-1", "force-1"), plan.ServiceGeneration)
}

func TestPlanRolloutTokenChangesCoalesceDuringRollout(t *testing.T) {
	started := metav1.NewTime(time.Now())
	env := plannerEnv(materializev1alpha1.RolloutInProgress, "req-2", "force-1")
	env.Status.ActiveGeneration = synthesis.TokenHash("req-1", "force-1")
	env.Status.RolloutStartedAt = &started

	// Tokens keep changing while the rollout runs; the in-flight rollout
	// keeps its recorded pair and the changes are picked up afterwards.
	env.Spec.RequestRollout = "req-3"
	env.Spec.ForceRollout = "force-3"

	plan := planRollout(env, workloadObservation{}, time.Now(), time.Hour)
	assert.Equal(t, stepWait, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-2", "force-1"), plan.DesiredGeneration)
}

func TestPlanRolloutPendingResumes(t *testing.T) {
	started := metav1.NewTime(time.Now())
	env := plannerEnv(materializev1alpha1.RolloutPending, "req-2", "force-1")
	env.Status.RolloutStartedAt = &started

	plan := planRollout(env, workloadObservation{}, time.Now(), time.Hour)
	assert.Equal(t, stepAdvance, plan.Step)
	assert.Equal(t, synthesis.TokenHash("req-2", "force-1"), plan.DesiredGeneration)
}

func TestStatefulSetReady(t *testing.T) {
	assert.False(t, statefulSetReady(nil))

	sts := &appsv1.StatefulSet{
		Spec: appsv1.StatefulSetSpec{Replicas: ptr.To(int32(1))},
	}
	assert.False(t, statefulSetReady(sts))

	sts.Status.ReadyReplicas = 1
	assert.False(t, statefulSetReady(sts), "ready but not updated")

	sts.Status.UpdatedReplicas = 1
	assert.True(t, statefulSetReady(sts))

	sts.Generation = 2
	sts.Status.ObservedGeneration = 1
	assert.False(t, statefulSetReady(sts), "counters describe an unobserved template")

	sts.Status.ObservedGeneration = 2
	assert.True(t, statefulSetReady(sts))
}
