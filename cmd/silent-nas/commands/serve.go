package commands

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"silentnas/pkg/server"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server for this node",
	Long:  `Listen for sync traffic from peer nodes: state pushes, content transfers and heartbeats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := viper.GetString("sync.listen_addr")
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}

		grpcServer := grpc.NewServer(
			grpc.ChainUnaryInterceptor(server.UnaryLoggingInterceptor, server.UnaryRecoveryInterceptor),
			grpc.ChainStreamInterceptor(server.StreamLoggingInterceptor, server.StreamRecoveryInterceptor),
		)
		NAS.Service.Register(grpcServer)
		// grpcurl 等调试工具用
		reflection.Register(grpcServer)

		// /metrics 在独立端口上，不跟同步流量抢
		if metricsAddr := viper.GetString("metrics.addr"); metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				log.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Error().Err(err).Msg("metrics endpoint failed")
				}
			}()
		}

		go func() {
			log.Info().Str("addr", addr).Str("node", NAS.NodeID).Msg("sync server listening")
			if err := grpcServer.Serve(lis); err != nil {
				log.Fatal().Err(err).Msg("grpc serve failed")
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Info().Msg("shutting down sync server")
		grpcServer.GracefulStop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
