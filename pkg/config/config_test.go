package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestBindFlags(t *testing.T) {
	cfg := &OperatorConfig{}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	err := fs.Parse([]string{
		"--cloud-provider=aws",
		"--region=us-east-1",
		"--aws-account-id=123456789012",
		"--environmentd-node-selector=workload=environmentd",
		"--environmentd-node-selector=pool=dedicated",
		"--network-policies-ingress-enabled",
		"--network-policies-ingress-cidr=10.0.0.0/8",
		"--network-policies-ingress-cidr=192.168.0.0/16",
		"--image-pull-policy=Always",
		"--namespace-create",
	})
	require.NoError(t, err)

	assert.Equal(t, ProviderAWS, cfg.CloudProvider)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "123456789012", cfg.AWSAccountID)
	assert.Equal(t, map[string]string{"workload": "environmentd", "pool": "dedicated"}, cfg.EnvironmentdNodeSelector)
	assert.True(t, cfg.NetworkPolicies.IngressEnabled)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.NetworkPolicies.IngressCIDRs)
	assert.Equal(t, corev1.PullAlways, cfg.ImagePullPolicy)
	assert.True(t, cfg.CreateNamespace)
}

func TestBindFlagsRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown provider", []string{"--cloud-provider=azure"}},
		{"bad node selector", []string{"--environmentd-node-selector=nokeyvalue"}},
		{"bad pull policy", []string{"--image-pull-policy=Sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &OperatorConfig{}
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			cfg.BindFlags(fs)
			assert.Error(t, fs.Parse(tt.args))
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator.yaml")
	content := []byte(`
cloudProvider: aws
region: eu-west-1
awsAccountID: "123456789012"
networkPolicies:
  ingressEnabled: true
  ingressCIDRs:
    - 10.1.0.0/16
ephemeralVolumeClass: openebs-lvm
createNamespace: true
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg := &OperatorConfig{}
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, ProviderAWS, cfg.CloudProvider)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.True(t, cfg.NetworkPolicies.IngressEnabled)
	assert.Equal(t, []string{"10.1.0.0/16"}, cfg.NetworkPolicies.IngressCIDRs)
	assert.Equal(t, "openebs-lvm", cfg.EphemeralVolumeClass)
	assert.True(t, cfg.CreateNamespace)
}

func TestLoadFromFileRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cloudProvidor: aws\n"), 0o600))

	cfg := &OperatorConfig{}
	assert.Error(t, cfg.LoadFromFile(path))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     OperatorConfig
		wantErr string
	}{
		{
			name: "defaults applied",
			cfg:  OperatorConfig{},
		},
		{
			name:    "aws requires account id",
			cfg:     OperatorConfig{CloudProvider: ProviderAWS},
			wantErr: "aws-account-id",
		},
		{
			name:    "account id must be 12 digits",
			cfg:     OperatorConfig{CloudProvider: ProviderAWS, AWSAccountID: "1234"},
			wantErr: "12-digit",
		},
		{
			name: "valid aws config",
			cfg: OperatorConfig{
				CloudProvider:          ProviderAWS,
				AWSAccountID:           "123456789012",
				EnvironmentdIAMRoleARN: "arn:aws:iam::123456789012:role/environmentd",
			},
		},
		{
			name: "non-iam arn rejected",
			cfg: OperatorConfig{
				EnvironmentdIAMRoleARN: "arn:aws:s3:::mz-persist",
			},
			wantErr: "not an IAM role ARN",
		},
		{
			name: "malformed arn rejected",
			cfg: OperatorConfig{
				ConnectionIAMRoleARN: "not-an-arn",
			},
			wantErr: "connection-iam-role-arn",
		},
		{
			name: "bad cidr rejected",
			cfg: OperatorConfig{
				NetworkPolicies: NetworkPolicyConfig{EgressCIDRs: []string{"10.0.0.0/99"}},
			},
			wantErr: "invalid CIDR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := OperatorConfig{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ProviderGeneric, cfg.CloudProvider)
	assert.Equal(t, corev1.PullIfNotPresent, cfg.ImagePullPolicy)
}
