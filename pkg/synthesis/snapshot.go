// Package synthesis computes the child-object set for one environment. It is
// deliberately pure: given the same snapshot and rollout inputs it produces
// byte-identical specs, which is what makes re-applying them a no-op.
package synthesis

import (
	"crypto/sha256"
	"encoding/hex"

	corev1 "k8s.io/api/core/v1"

	materializev1alpha1 "github.com/materializeinc/environmentd-operator/api/v1alpha1"
	"github.com/materializeinc/environmentd-operator/pkg/config"
	operrors "github.com/materializeinc/environmentd-operator/pkg/errors"
	"github.com/materializeinc/environmentd-operator/pkg/secrets"
)

// Snapshot is a normalized, immutable view of one environment's desired
// state plus the operator configuration that shapes its workloads. All other
// components consume the snapshot, never the raw custom resource.
type Snapshot struct {
	Name      string
	Namespace string
	UID       string

	ImageRef  string
	ExtraArgs []string

	EnvironmentdResources corev1.ResourceRequirements
	BalancerdResources    corev1.ResourceRequirements
	EnableBalancerd       bool
	InPlaceRollout        bool

	RequestRollout string
	ForceRollout   string

	Connection secrets.ConnectionPayload

	CloudProvider config.CloudProvider
	Region        string
	AWSAccountID  string
	IAMRoleARN    string

	NodeSelector          map[string]string
	BalancerdNodeSelector map[string]string
	NetworkPolicies       config.NetworkPolicyConfig
	EphemeralVolumeClass  string
	ImagePullPolicy       corev1.PullPolicy
}

// NewSnapshot validates the spec and binds the backend URLs, producing the
// snapshot every downstream component works from. It has no side effects; a
// validation failure here means nothing was created.
func NewSnapshot(env *materializev1alpha1.MaterializeEnvironment, cfg *config.OperatorConfig) (*Snapshot, error) {
	if err := env.Spec.ValidateSpec(); err != nil {
		return nil, operrors.Wrap(operrors.KindValidation, err, "environment %s/%s rejected", env.Namespace, env.Name)
	}

	payload, err := secrets.Bind(env.Spec.BackendConnection.MetadataBackendURL, env.Spec.BackendConnection.PersistBackendURL)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Name:                  env.Name,
		Namespace:             env.Namespace,
		UID:                   string(env.UID),
		ImageRef:              env.Spec.EnvironmentdImageRef,
		ExtraArgs:             append([]string(nil), env.Spec.EnvironmentdExtraArgs...),
		EnvironmentdResources: *env.Spec.EnvironmentdResourceRequirements.DeepCopy(),
		BalancerdResources:    *env.Spec.BalancerdResourceRequirements.DeepCopy(),
		EnableBalancerd:       env.Spec.EnableBalancerd,
		InPlaceRollout:        env.Spec.InPlaceRollout,
		RequestRollout:        env.Spec.RequestRollout,
		ForceRollout:          env.Spec.ForceRollout,
		Connection:            payload,
		CloudProvider:         cfg.CloudProvider,
		Region:                cfg.Region,
		AWSAccountID:          cfg.AWSAccountID,
		IAMRoleARN:            cfg.EnvironmentdIAMRoleARN,
		NodeSelector:          copyMap(cfg.EnvironmentdNodeSelector),
		BalancerdNodeSelector: copyMap(cfg.BalancerdNodeSelector),
		NetworkPolicies:       cfg.NetworkPolicies,
		EphemeralVolumeClass:  cfg.EphemeralVolumeClass,
		ImagePullPolicy:       cfg.ImagePullPolicy,
	}
	snap.NetworkPolicies.IngressCIDRs = append([]string(nil), cfg.NetworkPolicies.IngressCIDRs...)
	snap.NetworkPolicies.EgressCIDRs = append([]string(nil), cfg.NetworkPolicies.EgressCIDRs...)
	return snap, nil
}

// TokenHash derives the deterministic generation identifier from the rollout
// token pair. Both tokens changing at once yields one generation, so one
// rollout.
func TokenHash(requestRollout, forceRollout string) string {
	sum := sha256.Sum256([]byte(requestRollout + "\x00" + forceRollout))
	return hex.EncodeToString(sum[:])[:8]
}

// Generation returns the generation identifier for the snapshot's tokens.
func (s *Snapshot) Generation() string {
	return TokenHash(s.RequestRollout, s.ForceRollout)
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
