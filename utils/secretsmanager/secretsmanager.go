/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package secretsmanager

import (
	"context"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

// Credentials authenticate against the etcd cluster backing the group.
type Credentials struct {
	Username string
	Password string
}

type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
)

var ErrUnknownProvider = errors.New("unknown secrets provider")

// Fetch loads credentials from the named provider. Location is the region
// for aws, the key vault name for azure and the project id for gcp.
func Fetch(ctx context.Context, provider Provider, secretId string, location string) (*Credentials, error) {
	switch provider {
	case ProviderAWS:
		return FetchAWSSecret(ctx, secretId, location)
	case ProviderAzure:
		return FetchAzureSecret(ctx, secretId, location)
	case ProviderGCP:
		return FetchGcpSecret(ctx, secretId, location)
	}
	return nil, errors.Wrapf(ErrUnknownProvider, "provider %q", provider)
}

func FetchAWSSecret(ctx context.Context, secretId string, region string) (*Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load default aws config")
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretId})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get aws secret")
	}
	if res.SecretString == nil {
		return nil, errors.Errorf("aws secret %s not a string", secretId)
	}

	return credsFromSecret(*res.SecretString)
}

func FetchAzureSecret(ctx context.Context, secretId string, keyVaultName string) (*Credentials, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to obtain azure credential")
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create azure client")
	}

	// an empty version gets the latest version of the secret
	resp, err := client.GetSecret(ctx, secretId, "", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get azure secret")
	}
	if resp.Value == nil {
		return nil, errors.Errorf("azure secret %s has no value", secretId)
	}

	return credsFromSecret(*resp.Value)
}

func FetchGcpSecret(ctx context.Context, secretId string, projectId string) (*Credentials, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcp secretmanager client")
	}
	defer client.Close()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	}

	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gcp secret")
	}

	return credsFromSecret(string(result.Payload.Data))
}

// credsFromSecret parses a `username:password` secret. The password may
// itself contain colons.
func credsFromSecret(secret string) (*Credentials, error) {
	username, password, ok := strings.Cut(strings.TrimSpace(secret), ":")
	if !ok || username == "" {
		return nil, errors.New("etcd credentials secret must be formatted `username:password`")
	}

	return &Credentials{
		Username: username,
		Password: password,
	}, nil
}
