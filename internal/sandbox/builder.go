package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"text/template"
)

// Fixed image and database parameters. Every sandbox uses the same values,
// so at most one sandbox can be live on a host at a time.
const (
	BaseImage        = "postgres:10.8-alpine"
	ImageTag         = "testdb"
	DatabaseName     = "testdb"
	DatabaseUser     = "postgres"
	DatabasePassword = "postgres"
	ContainerPort    = 5432
	HostPort         = 5432

	DescriptorFile   = "Dockerfile"
	InitScriptFile   = "init.sh"
	DumpFile         = "db.dump"
	CompressedSuffix = ".gz"
	ContainerIDFile  = "container.id"

	// Where the image keeps the dump and where the entrypoint looks for init scripts.
	imageDumpPath   = "/usr/local/bin/" + DumpFile
	imageInitScript = "/docker-entrypoint-initdb.d/" + InitScriptFile
)

var descriptorTmpl = template.Must(template.New(DescriptorFile).Parse(`FROM {{.BaseImage}}

ENV POSTGRES_DB {{.Database}}
ENV POSTGRES_USER {{.User}}
ENV POSTGRES_PASSWORD {{.Password}}

COPY ./{{.DumpFile}} {{.DumpPath}}
COPY ./{{.InitScript}} {{.InitPath}}
`))

var initScriptTmpl = template.Must(template.New(InitScriptFile).Parse(`#!/bin/bash

psql -U $POSTGRES_USER -d $POSTGRES_DB -a -f {{.DumpPath}}
`))

type templateData struct {
	BaseImage  string
	Database   string
	User       string
	Password   string
	DumpFile   string
	DumpPath   string
	InitScript string
	InitPath   string
}

func defaultTemplateData() templateData {
	return templateData{
		BaseImage:  BaseImage,
		Database:   DatabaseName,
		User:       DatabaseUser,
		Password:   DatabasePassword,
		DumpFile:   DumpFile,
		DumpPath:   imageDumpPath,
		InitScript: InitScriptFile,
		InitPath:   imageInitScript,
	}
}

// builder stages the build context inside a workspace and builds the image.
type builder struct {
	ws     *workspace
	engine *Engine
	runner Runner // runs the decompression utility
}

func (b *builder) writeDescriptor() error {
	return b.render(descriptorTmpl, DescriptorFile, 0o644)
}

func (b *builder) writeInitScript() error {
	return b.render(initScriptTmpl, InitScriptFile, 0o755)
}

func (b *builder) render(tmpl *template.Template, name string, perm os.FileMode) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, defaultTemplateData()); err != nil {
		return newError(KindFilesystem, "render "+name, err)
	}
	return b.ws.WriteFile(name, buf.Bytes(), perm)
}

// writeDataFile decodes payload into db.dump.gz and gunzips it in place.
func (b *builder) writeDataFile(ctx context.Context, payload string) error {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return newError(KindDecode, "decode payload", err)
	}

	archive := DumpFile + CompressedSuffix
	if err := b.ws.WriteFile(archive, raw, 0o644); err != nil {
		return err
	}

	res, err := b.runner.Run(ctx, b.ws.Path(), "gunzip", archive)
	if err != nil {
		return &Error{
			Kind:    KindExternalProcess,
			Step:    "decompress payload",
			Command: "gunzip " + archive,
			Err:     err,
		}
	}
	if res.ExitCode != 0 {
		return &Error{
			Kind:    KindExternalProcess,
			Step:    "decompress payload",
			Command: "gunzip " + archive,
			Output:  res.Stderr,
			Err:     fmt.Errorf("exit code %d", res.ExitCode),
		}
	}
	return nil
}

func (b *builder) build(ctx context.Context) error {
	return b.engine.Build(ctx, b.ws.Path(), ImageTag)
}
