# syntax=docker/dockerfile:1.6
ARG GO_VERSION=1.24
FROM golang:${GO_VERSION}-bookworm AS builder
WORKDIR /src
COPY go.mod go.sum ./
RUN go mod download
COPY . .
ARG TARGET=./cmd/eboagentd
RUN CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -trimpath -ldflags="-s -w" -o /out/eboagentd ${TARGET}

FROM debian:bookworm-slim
RUN apt-get update \
    && apt-get install -y --no-install-recommends ca-certificates \
    && rm -rf /var/lib/apt/lists/*
WORKDIR /app
COPY --from=builder /out/eboagentd /usr/local/bin/eboagentd
COPY services/eboagentd/config.yaml /etc/eboagentd/config.yaml
RUN mkdir -p /var/lib/eboagentd && chown nobody /var/lib/eboagentd
USER nobody
ENTRYPOINT ["/usr/local/bin/eboagentd"]
CMD ["-config", "/etc/eboagentd/config.yaml"]
