package main

import (
	"context"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quillmarket/quillgate/catalog"
	"github.com/quillmarket/quillgate/config"
	"github.com/quillmarket/quillgate/entitlement"
	"github.com/quillmarket/quillgate/evm"
	"github.com/quillmarket/quillgate/facilitator"
	"github.com/quillmarket/quillgate/gateway"
	"github.com/quillmarket/quillgate/logger"
	"github.com/quillmarket/quillgate/settlement"
	"github.com/quillmarket/quillgate/types"
)

func main() {
	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	facilitatorClient, err := buildFacilitator(cfg)
	if err != nil {
		logger.Fatal("failed to configure facilitator client", zap.Error(err))
	}

	codex, err := entitlement.NewTokenCodex(cfg.TokenSecret, cfg.TokenPreviousSecret, cfg.SessionTTL)
	if err != nil {
		logger.Fatal("failed to configure token codex", zap.Error(err))
	}

	entitlements := entitlement.NewCache(entitlement.CacheConfig{})

	coordinator := settlement.NewCoordinator(facilitatorClient, settlement.Config{
		RetryDelays:         []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second},
		InitialEIP3009Delay: time.Second,
		Logger:              logger.Log,
	})

	network := types.Network(cfg.Network)
	networkConfig, err := evm.GetNetworkConfig(network)
	if err != nil {
		logger.Fatal("unsupported payment network", zap.Error(err))
	}

	var onchain gateway.OnchainProver
	var wallets *evm.WalletTypeDetector
	if len(cfg.RPCEndpoints) > 0 {
		resolver := entitlement.NewResolver(entitlement.ResolverConfig{
			Endpoints:    cfg.RPCEndpoints,
			TokenAddress: networkConfig.DefaultAsset.Address,
			StartBlock:   cfg.OnchainStartBlock,
			ChunkSize:    cfg.OnchainChunkSize,
			Logger:       logger.Log,
		}, entitlements)
		onchain = resolver

		rpc, dialErr := ethclient.Dial(cfg.RPCEndpoints[0])
		if dialErr != nil {
			logger.Warn("wallet-type detection disabled", zap.Error(dialErr))
			wallets = evm.NewWalletTypeDetector(nil)
		} else {
			wallets = evm.NewWalletTypeDetector(func(ctx context.Context, account common.Address) ([]byte, error) {
				return rpc.CodeAt(ctx, account, nil)
			})
		}
	} else {
		wallets = evm.NewWalletTypeDetector(nil)
	}

	store := seedCatalog(cfg)

	gw := gateway.New(gateway.Config{
		Network: network,
		Logger:  logger.Log,
	}, store, codex, entitlements, onchain, coordinator, wallets)

	router := gin.New()
	router.Use(gin.Recovery())
	handler := gateway.NewHandler(gw, facilitatorClient, logger.Log)
	handler.RegisterRoutes(router)

	logger.Info("quillgate listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("network", cfg.Network),
		zap.Strings("facilitators", cfg.FacilitatorURLs),
	)
	if err := router.Run(cfg.ListenAddr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func buildFacilitator(cfg *config.Config) (*facilitator.Client, error) {
	endpoints := make([]facilitator.EndpointConfig, 0, len(cfg.FacilitatorURLs))
	for i, url := range cfg.FacilitatorURLs {
		endpoint := facilitator.EndpointConfig{URL: url}
		// Credentials apply to the primary vendor endpoint only; fallbacks
		// run unauthenticated.
		if i == 0 && cfg.FacilitatorKeyID != "" && cfg.FacilitatorKeySecret != "" {
			auth, err := facilitator.NewBearerAuthProvider(cfg.FacilitatorKeyID, cfg.FacilitatorKeySecret, url)
			if err != nil {
				return nil, err
			}
			endpoint.Auth = auth
		}
		endpoints = append(endpoints, endpoint)
	}
	return facilitator.NewClient(&facilitator.Config{
		Endpoints:   endpoints,
		Timeout:     cfg.FacilitatorTimeout,
		MaxFailures: cfg.BreakerMaxFailures,
		Cooldown:    cfg.BreakerCooldown,
		Logger:      logger.Log,
	}), nil
}

// seedCatalog loads the demo asset so the binary is exercisable without the
// marketplace backend. Real deployments swap in the catalog service client.
func seedCatalog(cfg *config.Config) catalog.Store {
	store := catalog.NewMemoryStore()
	seller := cfg.SellerAddress
	if seller == "" {
		seller = os.Getenv("DEMO_SELLER_ADDRESS")
	}
	store.Put(&catalog.Asset{
		ID:            "getting-started",
		Title:         "Getting Started with quillgate",
		SellerAddress: seller,
		Price:         "500000",
	}, []byte("# Getting Started\n\nThis download was paid for over x402.\n"))
	return store
}
