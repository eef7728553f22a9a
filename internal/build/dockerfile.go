package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Runtimes recognised when a repository ships no Dockerfile.
const (
	runtimeStatic = "static"
	runtimeNode   = "node"
	runtimeNext   = "next"
	runtimeGo     = "go"
	runtimeJava   = "java"
	runtimeRuby   = "ruby"
)

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

type javaBuildTool string

const (
	javaBuildToolMaven  javaBuildTool = "maven"
	javaBuildToolGradle javaBuildTool = "gradle"
)

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	return false
}

// dockerfileOptions parameterises generated Dockerfiles.
type dockerfileOptions struct {
	// StaticBaseImage serves repositories with no recognised runtime.
	StaticBaseImage string
	// Port is where the generated image listens; it matches the router's backend port.
	Port int
}

// ensureDockerfile writes a Dockerfile into dir when none exists and reports
// the runtime it detected. An existing Dockerfile is left untouched.
func ensureDockerfile(dir string, opts dockerfileOptions) (runtime string, generated bool, err error) {
	present, err := hasDockerfile(dir)
	if err != nil {
		return "", false, err
	}
	if present {
		return "dockerfile", false, nil
	}
	if err := ensureBuildContext(dir); err != nil {
		return "", false, err
	}
	runtime = detectRuntime(dir)
	var content string
	switch runtime {
	case runtimeNode, runtimeNext:
		content = renderNodeDockerfile(runtime, detectNodePackageManager(dir), opts.Port)
	case runtimeGo:
		content = renderGoDockerfile(opts.Port)
	case runtimeJava:
		content = renderJavaDockerfile(detectJavaBuildTool(dir), opts.Port)
	case runtimeRuby:
		content = renderRubyDockerfile(opts.Port)
	default:
		content = renderStaticDockerfile(opts.StaticBaseImage)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return runtime, false, fmt.Errorf("write dockerfile: %w", err)
	}
	return runtime, true, nil
}

func detectRuntime(dir string) string {
	if manifest, ok := loadPackageManifest(dir); ok {
		if isNextManifest(manifest) {
			return runtimeNext
		}
		return runtimeNode
	}
	if fileExists(filepath.Join(dir, "go.mod")) {
		return runtimeGo
	}
	if isJavaProject(dir) {
		return runtimeJava
	}
	if fileExists(filepath.Join(dir, "Gemfile")) {
		return runtimeRuby
	}
	return runtimeStatic
}

func renderNodeDockerfile(flavor string, pm nodePackageManager, port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-bullseye\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case nodePMYarn:
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile\n\n")
	case nodePMPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml ./\n")
		b.WriteString("RUN corepack enable && pnpm install --frozen-lockfile\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ] || [ -f npm-shrinkwrap.json ]; then npm ci; else npm install; fi\n\n")
	}
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN npm run build --if-present\n")
	b.WriteString("ENV NODE_ENV=production\n")
	if flavor == runtimeNext {
		b.WriteString("ENV NEXT_TELEMETRY_DISABLED=1\n")
	}
	writePort(&b, port)
	b.WriteString("CMD [\"npm\",\"start\"]\n")
	return b.String()
}

func renderGoDockerfile(port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM golang:1.24 AS builder\n")
	b.WriteString("WORKDIR /src\n\n")
	b.WriteString("COPY go.* ./\n")
	b.WriteString("RUN go mod download\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN CGO_ENABLED=0 GOOS=linux go build -o /out/app .\n\n")
	b.WriteString("FROM debian:bookworm-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*\n")
	b.WriteString("COPY --from=builder /out/app ./app\n")
	writePort(&b, port)
	b.WriteString("CMD [\"./app\"]\n")
	return b.String()
}

func renderJavaDockerfile(tool javaBuildTool, port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	switch tool {
	case javaBuildToolGradle:
		b.WriteString("FROM gradle:8.10-jdk21 AS builder\n")
		b.WriteString("WORKDIR /workspace\n\n")
		b.WriteString("COPY . ./\n")
		b.WriteString("RUN gradle clean build -x test --no-daemon\n")
		b.WriteString("RUN JAR=$(find build/libs -name \"*.jar\" -type f | head -n 1) && cp \"$JAR\" /workspace/app.jar\n\n")
	default:
		b.WriteString("FROM maven:3.9-eclipse-temurin-21 AS builder\n")
		b.WriteString("WORKDIR /workspace\n\n")
		b.WriteString("COPY pom.xml ./\n")
		b.WriteString("RUN mvn -B dependency:go-offline\n\n")
		b.WriteString("COPY . ./\n")
		b.WriteString("RUN mvn -B package -DskipTests\n")
		b.WriteString("RUN JAR=$(ls -1 target/*.jar | head -n 1) && cp \"$JAR\" /workspace/app.jar\n\n")
	}
	b.WriteString("FROM eclipse-temurin:21-jre\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY --from=builder /workspace/app.jar /app/app.jar\n")
	writePort(&b, port)
	b.WriteString("CMD [\"java\",\"-jar\",\"/app/app.jar\"]\n")
	return b.String()
}

func renderRubyDockerfile(port int) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM ruby:3.3\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("ENV BUNDLE_WITHOUT=development:test\n")
	b.WriteString("COPY Gemfile* ./\n")
	b.WriteString("RUN gem install bundler && bundle install --jobs 4 --retry 3\n\n")
	b.WriteString("COPY . ./\n")
	writePort(&b, port)
	b.WriteString("CMD [\"sh\",\"-c\",\"bundle exec puma -b tcp://0.0.0.0:$PORT\"]\n")
	return b.String()
}

func renderStaticDockerfile(baseImage string) string {
	if strings.TrimSpace(baseImage) == "" {
		baseImage = "nginx:alpine"
	}
	var b strings.Builder
	b.WriteString("FROM " + baseImage + "\n")
	b.WriteString("COPY . /usr/share/nginx/html\n")
	return b.String()
}

func writePort(b *strings.Builder, port int) {
	if port <= 0 {
		port = 80
	}
	p := strconv.Itoa(port)
	b.WriteString("ENV PORT=" + p + "\n")
	b.WriteString("EXPOSE " + p + "\n")
}

// ensureBuildContext rejects directories with nothing but dotfiles.
func ensureBuildContext(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read build context: %w", err)
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
	}
	return fmt.Errorf("build context %s is empty", filepath.Base(dir))
}

func hasDockerfile(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read build context: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && entry.Name() == "Dockerfile" {
			return true, nil
		}
	}
	return false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func detectNodePackageManager(dir string) nodePackageManager {
	if manifest, ok := loadPackageManifest(dir); ok {
		if parsed := parseNodePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}

func loadPackageManifest(dir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

func isNextManifest(manifest *npmManifest) bool {
	if manifest.hasDependency("next") {
		return true
	}
	for _, script := range manifest.Scripts {
		if strings.Contains(strings.ToLower(script), "next ") || strings.HasSuffix(strings.ToLower(script), "next") {
			return true
		}
	}
	return false
}

func isJavaProject(dir string) bool {
	for _, name := range []string{"pom.xml", "build.gradle", "build.gradle.kts", "settings.gradle", "settings.gradle.kts", "mvnw", "gradlew"} {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func detectJavaBuildTool(dir string) javaBuildTool {
	if fileExists(filepath.Join(dir, "gradlew")) || fileExists(filepath.Join(dir, "build.gradle")) || fileExists(filepath.Join(dir, "build.gradle.kts")) {
		return javaBuildToolGradle
	}
	return javaBuildToolMaven
}
