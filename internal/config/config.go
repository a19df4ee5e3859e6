package config

import "os"

type Config struct {
	Port             string
	LogLevel         string
	MQTTBrokerURL    string
	MQTTClientID     string
	MQTTInsecureTLS  bool
	RedisAddr        string
	RedisPassword    string
	JWTPublicKeyPath string
}

func Load() Config {
	return Config{
		Port:             getenv("AUTOMATION_PORT", "8096"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		MQTTBrokerURL:    getenv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		MQTTClientID:     getenv("AUTOMATION_MQTT_CLIENT_ID", "sallie-automation"),
		MQTTInsecureTLS:  getenv("MQTT_INSECURE_TLS", "") == "true",
		RedisAddr:        getenv("REDIS_ADDR", ""),
		RedisPassword:    getenv("REDIS_PASSWORD", ""),
		JWTPublicKeyPath: getenv("JWT_PUBLIC_KEY_PATH", ""),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
