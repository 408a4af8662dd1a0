package synthesis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	materializev1alpha1 "github.com/materializeinc/environmentd-operator/api/v1alpha1"
	"github.com/materializeinc/environmentd-operator/pkg/config"
	operrors "github.com/materializeinc/environmentd-operator/pkg/errors"
)

func testEnvironment() *materializev1alpha1.MaterializeEnvironment {
	return &materializev1alpha1.MaterializeEnvironment{
		ObjectMeta: metav1.ObjectMeta{Name: "acme", Namespace: "env-acme", UID: "uid-1"},
		Spec: materializev1alpha1.MaterializeEnvironmentSpec{
			EnvironmentdImageRef: "materialize/environmentd:v0.125.0",
			RequestRollout:       "11111111-aaaa-bbbb-cccc-000000000001",
			BackendConnection: materializev1alpha1.BackendConnection{
				MetadataBackendURL: "postgres://mz:pw@pg.internal:5432/materialize?sslmode=require",
				PersistBackendURL:  "s3://key:secret@mz-persist/acme?region=us-east-1",
			},
		},
	}
}

func testOperatorConfig() *config.OperatorConfig {
	cfg := &config.OperatorConfig{
		CloudProvider: config.ProviderAWS,
		Region:        "us-east-1",
		AWSAccountID:  "123456789012",
		NetworkPolicies: config.NetworkPolicyConfig{
			InternalEnabled: true,
			IngressEnabled:  true,
			EgressEnabled:   true,
			IngressCIDRs:    []string{"10.0.0.0/8"},
		},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func mustSnapshot(t *testing.T, env *materializev1alpha1.MaterializeEnvironment, cfg *config.OperatorConfig) *Snapshot {
	t.Helper()
	snap, err := NewSnapshot(env, cfg)
	require.NoError(t, err)
	return snap
}

func TestNewSnapshotRejectsBadSpecs(t *testing.T) {
	cfg := testOperatorConfig()

	env := testEnvironment()
	env.Spec.EnvironmentdImageRef = "not a valid image!!"
	_, err := NewSnapshot(env, cfg)
	require.Error(t, err)
	assert.Equal(t, operrors.KindValidation, operrors.KindOf(err))

	env = testEnvironment()
	env.Spec.EnvironmentdResourceRequirements = corev1.ResourceRequirements{
		Requests: corev1.ResourceList{corev1.ResourceMemory: resource.MustParse("8Gi")},
		Limits:   corev1.ResourceList{corev1.ResourceMemory: resource.MustParse("4Gi")},
	}
	_, err = NewSnapshot(env, cfg)
	require.Error(t, err)
	assert.Equal(t, operrors.KindValidation, operrors.KindOf(err))

	env = testEnvironment()
	env.Spec.BackendConnection.MetadataBackendURL = "postgres://pg.internal/materialize"
	_, err = NewSnapshot(env, cfg)
	require.Error(t, err)
	assert.Equal(t, operrors.KindMissingCredential, operrors.KindOf(err))
}

func TestTokenHashPairsCoalesce(t *testing.T) {
	base := TokenHash("req-1", "force-1")
	assert.Equal(t, base, TokenHash("req-1", "force-1"))
	assert.NotEqual(t, base, TokenHash("req-2", "force-1"))
	assert.NotEqual(t, base, TokenHash("req-1", "force-2"))
	// Both tokens changing still yields exactly one new generation.
	assert.NotEqual(t, base, TokenHash("req-2", "force-2"))
	assert.Len(t, base, 8)
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	snap := mustSnapshot(t, testEnvironment(), testOperatorConfig())
	view := RolloutView{DesiredGeneration: snap.Generation(), ServiceGeneration: snap.Generation()}

	first := Synthesize(snap, view)
	second := Synthesize(snap, view)
	assert.Equal(t, first, second)
}

func TestSynthesizeChildSet(t *testing.T) {
	env := testEnvironment()
	env.Spec.EnableBalancerd = true
	snap := mustSnapshot(t, env, testOperatorConfig())
	gen := snap.Generation()

	cs := Synthesize(snap, RolloutView{DesiredGeneration: gen, ServiceGeneration: gen})

	require.NotNil(t, cs.Secret)
	assert.Equal(t, "acme-connection", cs.Secret.Name)
	assert.Contains(t, cs.Secret.Data, "metadata_url")
	assert.Contains(t, cs.Secret.Data, "persist_url")

	require.NotNil(t, cs.Environmentd)
	assert.Equal(t, "acme-environmentd-"+gen, cs.Environmentd.Name)
	require.NotNil(t, cs.EnvironmentdService)
	assert.Equal(t, "acme-environmentd", cs.EnvironmentdService.Name)
	require.NotNil(t, cs.Balancerd)
	require.NotNil(t, cs.BalancerdService)

	stages := cs.Ordered()
	require.Len(t, stages, 3)
	assert.Equal(t, cs.Secret.GetName(), stages[0][0].GetName())
	assert.Len(t, stages[1], 3)
	assert.Len(t, stages[2], 4)
}

func TestSynthesizeWithoutBalancerd(t *testing.T) {
	snap := mustSnapshot(t, testEnvironment(), testOperatorConfig())
	cs := Synthesize(snap, RolloutView{DesiredGeneration: snap.Generation(), ServiceGeneration: snap.Generation()})

	assert.Nil(t, cs.Balancerd)
	assert.Nil(t, cs.BalancerdService)
	stages := cs.Ordered()
	assert.Len(t, stages[2], 2)
}

func TestNetworkPoliciesFailClosed(t *testing.T) {
	cfg := testOperatorConfig()
	// Egress enabled with an empty allow-list must still emit a policy,
	// and that policy must carry no rules: deny-all, never allow-all.
	cfg.NetworkPolicies.EgressCIDRs = nil
	snap := mustSnapshot(t, testEnvironment(), cfg)

	cs := Synthesize(snap, RolloutView{DesiredGeneration: snap.Generation(), ServiceGeneration: snap.Generation()})
	require.Len(t, cs.NetworkPolicies, 3)

	var foundEgress bool
	for _, np := range cs.NetworkPolicies {
		if np.Name == "acme-netpol-egress" {
			foundEgress = true
			assert.Empty(t, np.Spec.Egress)
		}
		if np.Name == "acme-netpol-ingress" {
			require.Len(t, np.Spec.Ingress, 1)
			require.Len(t, np.Spec.Ingress[0].From, 1)
			assert.Equal(t, "10.0.0.0/8", np.Spec.Ingress[0].From[0].IPBlock.CIDR)
		}
	}
	assert.True(t, foundEgress)
}

func TestEnvironmentdStatefulSetShape(t *testing.T) {
	env := testEnvironment()
	snap := mustSnapshot(t, env, testOperatorConfig())
	gen := snap.Generation()

	sts := synthesizeEnvironmentd(snap, gen)

	assert.Equal(t, gen, sts.Spec.Selector.MatchLabels[LabelGeneration])
	assert.Equal(t, gen, sts.Spec.Template.Annotations[AnnotationRolloutToken])
	require.Len(t, sts.Spec.Template.Spec.Containers, 1)

	container := sts.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "materialize/environmentd:v0.125.0", container.Image)
	assert.Contains(t, container.Args, "--metadata-backend-url=$(MZ_METADATA_BACKEND_URL)")
	assert.Contains(t, container.Args, "--aws-account-id=123456789012")
	assert.Contains(t, container.Args, "--aws-region=us-east-1")
	require.NotNil(t, container.ReadinessProbe)

	// Raw backend URLs must never appear in the pod spec; they are
	// referenced through the connection secret.
	for _, arg := range container.Args {
		assert.NotContains(t, arg, "postgres://")
		assert.NotContains(t, arg, "s3://")
	}
}

func TestInPlaceRolloutKeepsStableIdentity(t *testing.T) {
	env := testEnvironment()
	env.Spec.InPlaceRollout = true
	snap := mustSnapshot(t, env, testOperatorConfig())
	gen := snap.Generation()

	sts := synthesizeEnvironmentd(snap, gen)
	assert.Equal(t, "acme-environmentd", sts.Name)
	// The selector is immutable, so the generation only rides on the pod
	// template for in-place rollouts.
	assert.NotContains(t, sts.Spec.Selector.MatchLabels, LabelGeneration)
	assert.Equal(t, gen, sts.Spec.Template.Labels[LabelGeneration])

	svc := synthesizeEnvironmentdService(snap, gen)
	assert.NotContains(t, svc.Spec.Selector, LabelGeneration)
}

func TestCutOverServicePinsGeneration(t *testing.T) {
	snap := mustSnapshot(t, testEnvironment(), testOperatorConfig())

	svc := synthesizeEnvironmentdService(snap, "oldgen01")
	assert.Equal(t, "oldgen01", svc.Spec.Selector[LabelGeneration])

	flipped := synthesizeEnvironmentdService(snap, "newgen02")
	assert.Equal(t, "newgen02", flipped.Spec.Selector[LabelGeneration])
}

func TestScratchVolumeFollowsConfig(t *testing.T) {
	cfg := testOperatorConfig()
	snap := mustSnapshot(t, testEnvironment(), cfg)
	volume, _ := scratchVolume(snap)
	assert.NotNil(t, volume.EmptyDir)

	cfg.EphemeralVolumeClass = "openebs-lvm"
	snap = mustSnapshot(t, testEnvironment(), cfg)
	volume, _ = scratchVolume(snap)
	require.NotNil(t, volume.Ephemeral)
	assert.Equal(t, "openebs-lvm", *volume.Ephemeral.VolumeClaimTemplate.Spec.StorageClassName)

	sts := synthesizeEnvironmentd(snap, snap.Generation())
	assert.Contains(t, sts.Spec.Template.Spec.Containers[0].Args, "--scratch-directory=/scratch")
}
