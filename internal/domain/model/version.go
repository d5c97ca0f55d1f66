package model

// ServerVersion is reported in the connected handshake payload.
const ServerVersion = "1.2.0"
