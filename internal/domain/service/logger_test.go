package service

import "go.uber.org/zap"

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}
