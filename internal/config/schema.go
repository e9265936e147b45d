package config

// Schema is the JSON schema a config file must satisfy. Durations are Go
// duration strings ("15s", "24h") or integer nanoseconds.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "definitions": {
    "duration": {
      "oneOf": [
        {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"},
        {"type": "integer", "minimum": 0}
      ]
    }
  },
  "properties": {
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "heartbeat_interval": {"$ref": "#/definitions/duration"},
        "shutdown_timeout": {"$ref": "#/definitions/duration"},
        "cors_origins": {"type": "array", "items": {"type": "string"}},
        "rate_limit": {
          "type": "object",
          "properties": {
            "creates_per_minute": {"type": "integer", "minimum": 0},
            "max_streams_per_client": {"type": "integer", "minimum": 0}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "sessions": {
      "type": "object",
      "properties": {
        "ttl": {"$ref": "#/definitions/duration"},
        "sweep_schedule": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "upstream": {
      "type": "object",
      "properties": {
        "provider": {"type": "string", "enum": ["anthropic", "openai", "file"]},
        "model": {"type": "string"},
        "max_tokens": {"type": "integer", "minimum": 0},
        "api_key": {"type": "string"},
        "base_url": {"type": "string"},
        "file_path": {"type": "string"},
        "chunk_size": {"type": "integer", "minimum": 0},
        "chunk_delay": {"$ref": "#/definitions/duration"}
      },
      "additionalProperties": false
    },
    "client": {
      "type": "object",
      "properties": {
        "base_url": {"type": "string"},
        "transport": {"type": "string", "enum": ["sse", "websocket"]},
        "max_retries": {"type": "integer", "minimum": 0},
        "retry_delay": {"$ref": "#/definitions/duration"},
        "state_store": {"type": "string", "enum": ["file", "sqlite"]},
        "state_path": {"type": "string"}
      },
      "additionalProperties": false
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "observability": {
      "type": "object",
      "properties": {
        "tracing": {"type": "boolean"},
        "service_name": {"type": "string"},
        "audit_log": {"type": "string"}
      },
      "additionalProperties": false
    },
    "data_dir": {"type": "string"}
  },
  "additionalProperties": false
}`
