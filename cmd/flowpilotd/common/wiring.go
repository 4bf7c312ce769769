//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package common wires flowpilotd's services together from configuration,
// the way the teacher's cmd/mpe/common.NewCliPolicyEngine wires a
// core.PolicyEngine from CLI flags and bundles.
package common

import (
	"context"
	"fmt"

	"github.com/flowpilot/flowpilot/internal/authn"
	"github.com/flowpilot/flowpilot/internal/logging"
	"github.com/flowpilot/flowpilot/pkg/agentrunner"
	"github.com/flowpilot/flowpilot/pkg/authz"
	"github.com/flowpilot/flowpilot/pkg/cache"
	"github.com/flowpilot/flowpilot/pkg/config"
	"github.com/flowpilot/flowpilot/pkg/delegation"
	delegationsqlstore "github.com/flowpilot/flowpilot/pkg/delegation/sqlstore"
	"github.com/flowpilot/flowpilot/pkg/domainclient"
	"github.com/flowpilot/flowpilot/pkg/manifest"
	"github.com/flowpilot/flowpilot/pkg/persona"
	personasqlstore "github.com/flowpilot/flowpilot/pkg/persona/sqlstore"
	"github.com/flowpilot/flowpilot/pkg/ruleengine"
	"github.com/google/uuid"
)

var logger = logging.GetLogger("flowpilot.cmd")

// App bundles every wired service and the store handles that must be
// closed on shutdown.
type App struct {
	Manifests  *manifest.Registry
	Personas   *persona.Service
	Delegation *delegation.Service
	Engine     *authz.Engine
	Runner     *agentrunner.Runner

	// Verifier/Exchanger are nil when authn.jwksurl is unset (auth disabled
	// - e.g. local development), in which case httpapi mounts neither the
	// bearer-verification middleware nor the exchange endpoint.
	Verifier  *authn.Verifier
	Exchanger *authn.Exchanger

	delegationStore *delegationsqlstore.Store
	personaStore    *personasqlstore.Store
}

// Close releases database handles.
func (a *App) Close() error {
	if err := a.delegationStore.Close(); err != nil {
		return err
	}
	return a.personaStore.Close()
}

// Build wires every component from the loaded Viper configuration:
// manifest registry, SQL-backed delegation/persona stores, the rule-engine
// HTTP client, and the authz/agentrunner layers atop them.
func Build(ctx context.Context) (*App, error) {
	manifestDir := config.VConfig.GetString(config.ManifestDir)
	manifests, err := manifest.NewRegistry(manifestDir)
	if err != nil {
		return nil, fmt.Errorf("loading policy manifests: %w", err)
	}

	delegationStore, err := delegationsqlstore.Open(ctx, config.VConfig.GetString(config.DelegationDBDSN))
	if err != nil {
		return nil, fmt.Errorf("opening delegation store: %w", err)
	}

	personaStore, err := personasqlstore.Open(ctx, config.VConfig.GetString(config.PersonaDBDSN))
	if err != nil {
		return nil, fmt.Errorf("opening persona store: %w", err)
	}

	allActions := manifests.AllActions()
	actionList := make([]string, 0, len(allActions))
	for a := range allActions {
		actionList = append(actionList, a)
	}

	allTitles := map[string]struct{}{}
	allStatuses := map[string]struct{}{}
	for _, name := range manifests.ListNames() {
		m, _ := manifests.GetByName(name)
		for _, t := range m.PersonaConfig.AllowedTitles() {
			allTitles[t] = struct{}{}
		}
		for _, s := range m.PersonaConfig.PersonaStatuses {
			allStatuses[s] = struct{}{}
		}
	}
	titleList := keys(allTitles)
	statusList := keys(allStatuses)

	respCache, err := cache.New(config.VConfig.GetString(config.CacheRedisURL), config.VConfig.GetBool(config.CacheEnabled))
	if err != nil {
		return nil, fmt.Errorf("building response cache: %w", err)
	}

	delegationSvc := delegation.NewService(delegationStore, actionList, respCache, config.VConfig.GetDuration(config.CacheTTLDelegation))
	personaSvc := persona.NewService(personaStore, config.VConfig.GetInt(config.PersonaMaxPerUser), titleList, statusList, respCache, config.VConfig.GetDuration(config.CacheTTLPersona))

	rules := ruleengine.New(config.VConfig.GetString(config.RuleEngineBaseURL), config.VConfig.GetDuration(config.RequestTimeout))
	engine := authz.NewEngine(manifests, personaSvc, delegationSvc, rules, respCache, config.VConfig.GetDuration(config.CacheTTLAuthz))

	domain := domainclient.New(config.VConfig.GetString(config.DomainServiceBaseURL), config.VConfig.GetDuration(config.RequestTimeout))
	runner := agentrunner.NewRunner(engine, domain, func() string { return uuid.NewString() })

	var verifier *authn.Verifier
	var exchanger *authn.Exchanger
	if jwksURL := config.VConfig.GetString(config.AuthnJWKSURL); jwksURL != "" {
		verifier, err = authn.NewVerifier(ctx, jwksURL, config.VConfig.GetString(config.AuthnAudience))
		if err != nil {
			return nil, fmt.Errorf("building token verifier: %w", err)
		}
		signKey := config.VConfig.GetString(config.AuthnTokenSigningKey)
		if signKey == "" {
			return nil, fmt.Errorf("authn.tokensigningkey must be set when authn.jwksurl is configured")
		}
		exchanger = authn.NewExchanger(verifier, []byte(signKey), config.VConfig.GetDuration(config.AuthnExchangeTTL))
	}

	logger.SysInfof("flowpilotd wired: %d manifests, %d actions", len(manifests.ListNames()), len(actionList))

	return &App{
		Manifests: manifests, Personas: personaSvc, Delegation: delegationSvc,
		Engine: engine, Runner: runner,
		Verifier: verifier, Exchanger: exchanger,
		delegationStore: delegationStore, personaStore: personaStore,
	}, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
