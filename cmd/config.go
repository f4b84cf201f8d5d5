package main

import "time"

type Config struct {
	BadgerFilepath       string        `env:"BADGER_FILEPATH,required=true"`
	LogLevel             string        `env:"LOG_LEVEL,default=INFO"`
	Host                 string        `env:"HOST,default=localhost"`
	Port                 int           `env:"PORT,default=8080"`
	JWTSecret            string        `env:"JWT_SECRET,required=true"`
	AuthTokenDuration    time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=2s"`
	DispatchQueueSize    int           `env:"DISPATCH_QUEUE_SIZE,default=1024"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	PongTimeout          time.Duration `env:"PONG_TIMEOUT,default=60s"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=2s"`
	FindOrCreateRetries  int           `env:"FIND_OR_CREATE_RETRIES,default=5"`
	NatsURL              string        `env:"NATS_URL"`
	NodeID               string        `env:"NODE_ID"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
}
