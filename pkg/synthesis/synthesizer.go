package synthesis

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/materializeinc/environmentd-operator/pkg/config"
)

const (
	// LabelEnvironment marks every child object with its owning environment.
	LabelEnvironment = "materialize.cloud/environment"
	// LabelComponent distinguishes environmentd from balancerd pods.
	LabelComponent = "materialize.cloud/component"
	// LabelGeneration carries the rollout generation a pod belongs to.
	LabelGeneration = "materialize.cloud/generation"
	// LabelManagedBy identifies objects this operator owns.
	LabelManagedBy = "app.kubernetes.io/managed-by"

	// AnnotationRolloutToken on a pod template forces a rolling restart when
	// an in-place rollout changes the token pair.
	AnnotationRolloutToken = "materialize.cloud/rollout-token"

	ManagerName = "environmentd-operator"

	ComponentEnvironmentd = "environmentd"
	ComponentBalancerd    = "balancerd"

	sqlPort          = 6875
	httpPort         = 6876
	internalSQLPort  = 6877
	internalHTTPPort = 6878
)

// RolloutView is the slice of rollout state the synthesizer needs: which
// generation the primary workload should run, and which generation traffic
// is routed to (they differ while a cut-over rollout waits for health).
type RolloutView struct {
	DesiredGeneration string
	ServiceGeneration string
}

// ChildSet is the complete set of child objects an environment should have.
type ChildSet struct {
	Secret              *corev1.Secret
	NetworkPolicies     []*networkingv1.NetworkPolicy
	Environmentd        *appsv1.StatefulSet
	EnvironmentdService *corev1.Service
	Balancerd           *appsv1.Deployment
	BalancerdService    *corev1.Service
}

// Ordered returns the children in apply order: the connection secret first,
// then network policies, then workloads. Workloads must never be applied
// before the policies that protect them.
func (cs *ChildSet) Ordered() [][]client.Object {
	stageSecrets := []client.Object{cs.Secret}
	stagePolicies := make([]client.Object, 0, len(cs.NetworkPolicies))
	for _, np := range cs.NetworkPolicies {
		stagePolicies = append(stagePolicies, np)
	}
	stageWorkloads := []client.Object{cs.Environmentd, cs.EnvironmentdService}
	if cs.Balancerd != nil {
		stageWorkloads = append(stageWorkloads, cs.Balancerd, cs.BalancerdService)
	}
	return [][]client.Object{stageSecrets, stagePolicies, stageWorkloads}
}

// Synthesize computes the target child-object set. It is a pure function of
// its inputs; calling it twice with identical arguments yields identical
// specs, which is what makes the engine's apply step idempotent.
func Synthesize(snap *Snapshot, view RolloutView) *ChildSet {
	cs := &ChildSet{
		Secret:              synthesizeSecret(snap),
		NetworkPolicies:     synthesizeNetworkPolicies(snap),
		Environmentd:        synthesizeEnvironmentd(snap, view.DesiredGeneration),
		EnvironmentdService: synthesizeEnvironmentdService(snap, view.ServiceGeneration),
	}
	if snap.EnableBalancerd {
		cs.Balancerd = synthesizeBalancerd(snap)
		cs.BalancerdService = synthesizeBalancerdService(snap)
	}
	return cs
}

// SecretName is the deterministic name of the environment's connection secret.
func SecretName(env string) string { return env + "-connection" }

// EnvironmentdName returns the primary workload name. In-place rollouts keep
// a stable identity; cut-over rollouts get a generation-suffixed one.
func EnvironmentdName(env, generation string, inPlace bool) string {
	if inPlace {
		return env + "-environmentd"
	}
	return fmt.Sprintf("%s-environmentd-%s", env, generation)
}

// EnvironmentdServiceName is the stable service name traffic enters through.
func EnvironmentdServiceName(env string) string { return env + "-environmentd" }

// BalancerdName is the companion workload name.
func BalancerdName(env string) string { return env + "-balancerd" }

func networkPolicyName(env, direction string) string {
	return fmt.Sprintf("%s-netpol-%s", env, direction)
}

func environmentLabels(snap *Snapshot) map[string]string {
	return map[string]string{
		LabelEnvironment: snap.Name,
		LabelManagedBy:   ManagerName,
	}
}

func componentLabels(snap *Snapshot, component string) map[string]string {
	labels := environmentLabels(snap)
	labels[LabelComponent] = component
	return labels
}

func synthesizeSecret(snap *Snapshot) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      SecretName(snap.Name),
			Namespace: snap.Namespace,
			Labels:    environmentLabels(snap),
		},
		Type: corev1.SecretTypeOpaque,
		Data: snap.Connection.SecretData(),
	}
}

func synthesizeNetworkPolicies(snap *Snapshot) []*networkingv1.NetworkPolicy {
	var policies []*networkingv1.NetworkPolicy
	podSelector := metav1.LabelSelector{
		MatchLabels: map[string]string{LabelEnvironment: snap.Name},
	}

	if snap.NetworkPolicies.InternalEnabled {
		policies = append(policies, &networkingv1.NetworkPolicy{
			ObjectMeta: metav1.ObjectMeta{
				Name:      networkPolicyName(snap.Name, "internal"),
				Namespace: snap.Namespace,
				Labels:    environmentLabels(snap),
			},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: podSelector,
				PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
				Ingress: []networkingv1.NetworkPolicyIngressRule{{
					From: []networkingv1.NetworkPolicyPeer{{
						PodSelector: podSelector.DeepCopy(),
					}},
				}},
			},
		})
	}

	if snap.NetworkPolicies.IngressEnabled {
		spec := networkingv1.NetworkPolicySpec{
			PodSelector: podSelector,
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
		}
		// An empty allow-list means no rules, which the platform treats as
		// deny-all for the selected pods. The policy is always emitted.
		if peers := cidrPeers(snap.NetworkPolicies.IngressCIDRs); len(peers) > 0 {
			spec.Ingress = []networkingv1.NetworkPolicyIngressRule{{From: peers}}
		}
		policies = append(policies, &networkingv1.NetworkPolicy{
			ObjectMeta: metav1.ObjectMeta{
				Name:      networkPolicyName(snap.Name, "ingress"),
				Namespace: snap.Namespace,
				Labels:    environmentLabels(snap),
			},
			Spec: spec,
		})
	}

	if snap.NetworkPolicies.EgressEnabled {
		spec := networkingv1.NetworkPolicySpec{
			PodSelector: podSelector,
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
		}
		if peers := cidrPeers(snap.NetworkPolicies.EgressCIDRs); len(peers) > 0 {
			spec.Egress = []networkingv1.NetworkPolicyEgressRule{{To: peers}}
		}
		policies = append(policies, &networkingv1.NetworkPolicy{
			ObjectMeta: metav1.ObjectMeta{
				Name:      networkPolicyName(snap.Name, "egress"),
				Namespace: snap.Namespace,
				Labels:    environmentLabels(snap),
			},
			Spec: spec,
		})
	}

	return policies
}

func cidrPeers(cidrs []string) []networkingv1.NetworkPolicyPeer {
	peers := make([]networkingv1.NetworkPolicyPeer, 0, len(cidrs))
	for _, cidr := range cidrs {
		peers = append(peers, networkingv1.NetworkPolicyPeer{
			IPBlock: &networkingv1.IPBlock{CIDR: cidr},
		})
	}
	return peers
}

func environmentdArgs(snap *Snapshot) []string {
	args := []string{
		"--metadata-backend-url=$(MZ_METADATA_BACKEND_URL)",
		"--persist-backend-url=$(MZ_PERSIST_BACKEND_URL)",
	}
	if snap.EphemeralVolumeClass != "" {
		args = append(args, "--scratch-directory=/scratch")
	}
	if snap.CloudProvider == config.ProviderAWS {
		args = append(args, "--aws-account-id="+snap.AWSAccountID)
		if snap.Region != "" {
			args = append(args, "--aws-region="+snap.Region)
		}
		if snap.IAMRoleARN != "" {
			args = append(args, "--aws-connection-role-arn="+snap.IAMRoleARN)
		}
	}
	return append(args, snap.ExtraArgs...)
}

func connectionEnv(snap *Snapshot) []corev1.EnvVar {
	secretRef := func(key string) *corev1.EnvVarSource {
		return &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: SecretName(snap.Name)},
				Key:                  key,
			},
		}
	}
	return []corev1.EnvVar{
		{Name: "MZ_METADATA_BACKEND_URL", ValueFrom: secretRef("metadata_url")},
		{Name: "MZ_PERSIST_BACKEND_URL", ValueFrom: secretRef("persist_url")},
	}
}

func scratchVolume(snap *Snapshot) (corev1.Volume, corev1.VolumeMount) {
	mount := corev1.VolumeMount{Name: "scratch", MountPath: "/scratch"}
	if snap.EphemeralVolumeClass == "" {
		return corev1.Volume{
			Name:         "scratch",
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		}, mount
	}
	return corev1.Volume{
		Name: "scratch",
		VolumeSource: corev1.VolumeSource{
			Ephemeral: &corev1.EphemeralVolumeSource{
				VolumeClaimTemplate: &corev1.PersistentVolumeClaimTemplate{
					Spec: corev1.PersistentVolumeClaimSpec{
						AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
						StorageClassName: ptr.To(snap.EphemeralVolumeClass),
					},
				},
			},
		},
	}, mount
}

func synthesizeEnvironmentd(snap *Snapshot, generation string) *appsv1.StatefulSet {
	name := EnvironmentdName(snap.Name, generation, snap.InPlaceRollout)

	selector := componentLabels(snap, ComponentEnvironmentd)
	// Cut-over rollouts run two StatefulSets side by side; the generation in
	// the selector keeps them from adopting each other's pods. In-place
	// rollouts keep the selector stable because it is immutable.
	if !snap.InPlaceRollout {
		selector[LabelGeneration] = generation
	}

	podLabels := componentLabels(snap, ComponentEnvironmentd)
	podLabels[LabelGeneration] = generation

	volume, mount := scratchVolume(snap)

	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: snap.Namespace,
			Labels:    podLabels,
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas:    ptr.To(int32(1)),
			ServiceName: EnvironmentdServiceName(snap.Name),
			Selector:    &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: podLabels,
					Annotations: map[string]string{
						AnnotationRolloutToken: generation,
					},
				},
				Spec: corev1.PodSpec{
					NodeSelector: snap.NodeSelector,
					Volumes:      []corev1.Volume{volume},
					Containers: []corev1.Container{{
						Name:            ComponentEnvironmentd,
						Image:           snap.ImageRef,
						ImagePullPolicy: snap.ImagePullPolicy,
						Args:            environmentdArgs(snap),
						Env:             connectionEnv(snap),
						Ports: []corev1.ContainerPort{
							{Name: "sql", ContainerPort: sqlPort},
							{Name: "http", ContainerPort: httpPort},
							{Name: "internal-sql", ContainerPort: internalSQLPort},
							{Name: "internal-http", ContainerPort: internalHTTPPort},
						},
						Resources:    snap.EnvironmentdResources,
						VolumeMounts: []corev1.VolumeMount{mount},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{
									Path: "/api/readyz",
									Port: intstr.FromString("internal-http"),
								},
							},
							PeriodSeconds:    5,
							FailureThreshold: 3,
						},
						LivenessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{
									Path: "/api/livez",
									Port: intstr.FromString("internal-http"),
								},
							},
							InitialDelaySeconds: 15,
							PeriodSeconds:       10,
						},
					}},
				},
			},
		},
	}
}

func synthesizeEnvironmentdService(snap *Snapshot, serviceGeneration string) *corev1.Service {
	selector := componentLabels(snap, ComponentEnvironmentd)
	delete(selector, LabelManagedBy)
	// For cut-over rollouts the service pins traffic to the active
	// generation; flipping this selector is the cut-over. In-place rollouts
	// keep one pod identity, so no generation pin is needed.
	if !snap.InPlaceRollout && serviceGeneration != "" {
		selector[LabelGeneration] = serviceGeneration
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      EnvironmentdServiceName(snap.Name),
			Namespace: snap.Namespace,
			Labels:    environmentLabels(snap),
		},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports: []corev1.ServicePort{
				{Name: "sql", Port: sqlPort, TargetPort: intstr.FromString("sql")},
				{Name: "http", Port: httpPort, TargetPort: intstr.FromString("http")},
				{Name: "internal-sql", Port: internalSQLPort, TargetPort: intstr.FromString("internal-sql")},
				{Name: "internal-http", Port: internalHTTPPort, TargetPort: intstr.FromString("internal-http")},
			},
		},
	}
}

func synthesizeBalancerd(snap *Snapshot) *appsv1.Deployment {
	labels := componentLabels(snap, ComponentBalancerd)
	selector := map[string]string{
		LabelEnvironment: snap.Name,
		LabelComponent:   ComponentBalancerd,
	}
	resolverAddr := fmt.Sprintf("%s.%s.svc.cluster.local:%d",
		EnvironmentdServiceName(snap.Name), snap.Namespace, sqlPort)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      BalancerdName(snap.Name),
			Namespace: snap.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					NodeSelector: snap.BalancerdNodeSelector,
					Containers: []corev1.Container{{
						Name:            ComponentBalancerd,
						Image:           snap.ImageRef,
						ImagePullPolicy: snap.ImagePullPolicy,
						Args: []string{
							"--static-resolver-addr=" + resolverAddr,
						},
						Ports: []corev1.ContainerPort{
							{Name: "sql", ContainerPort: sqlPort},
							{Name: "http", ContainerPort: httpPort},
						},
						Resources: snap.BalancerdResources,
					}},
				},
			},
		},
	}
}

func synthesizeBalancerdService(snap *Snapshot) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      BalancerdName(snap.Name),
			Namespace: snap.Namespace,
			Labels:    environmentLabels(snap),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{
				LabelEnvironment: snap.Name,
				LabelComponent:   ComponentBalancerd,
			},
			Ports: []corev1.ServicePort{
				{Name: "sql", Port: sqlPort, TargetPort: intstr.FromString("sql")},
				{Name: "http", Port: httpPort, TargetPort: intstr.FromString("http")},
			},
		},
	}
}
