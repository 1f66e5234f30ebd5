package api

import (
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/gsmlg-opt/repub-sub000/internal/auth"
	"github.com/gsmlg-opt/repub-sub000/internal/domain"
	"github.com/gsmlg-opt/repub-sub000/internal/httpkit"
	"github.com/gsmlg-opt/repub-sub000/internal/metadatastore"
)

func registerPackageRoutes(app *fiber.App, d *Deps) {
	app.Get("/api/packages", listPackagesHandler(d))
	app.Get("/api/packages/search", searchPackagesHandler(d))
	app.Get("/api/packages/search/upstream", searchUpstreamHandler(d))
	app.Get("/api/packages/:name", getPackageHandler(d))
	app.Get("/api/packages/:name/versions/:version", getVersionHandler(d))
	app.Get("/packages/:name/versions/:version.tar.gz", downloadArchiveHandler(d))
}

func requireReadAuth(d *Deps, c *fiber.Ctx) error {
	if !d.Config.RequireDownloadAuth {
		return nil
	}
	if auth.TokenFromContext(c) == nil {
		return httpkit.Unauthorized(c, httpkit.CodeAuthMissing, "authentication required")
	}
	return nil
}

func listPackagesHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := requireReadAuth(d, c); err != nil {
			return err
		}
		page, limit := httpkit.PageLimit(c)
		infos, err := d.Store.ListPackages(c.UserContext(), metadatastore.PackageFilter{}, page, limit)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, fiber.Map{"packages": infos, "page": page, "limit": limit})
	}
}

func searchPackagesHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := requireReadAuth(d, c); err != nil {
			return err
		}
		query := c.Query("q")
		page, limit := httpkit.PageLimit(c)
		infos, err := d.Store.SearchPackages(c.UserContext(), query, page, limit)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		return httpkit.OK(c, fiber.Map{"packages": infos, "page": page, "limit": limit})
	}
}

func searchUpstreamHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !d.Upstream.Enabled {
			return httpkit.ServiceUnavailable(c, httpkit.CodeUpstreamDisabled, "upstream proxy is disabled")
		}
		page, _ := httpkit.PageLimit(c)
		names, err := d.Upstream.SearchPackages(c.UserContext(), c.Query("q"), page)
		if err != nil {
			return httpkit.InternalErrorWithCode(c, httpkit.CodeUpstreamError, err.Error())
		}
		return httpkit.OK(c, fiber.Map{"names": names})
	}
}

func getPackageHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := requireReadAuth(d, c); err != nil {
			return err
		}
		name := c.Params("name")
		info, fromUpstream, err := d.Proxy.GetPackageInfo(c.UserContext(), name)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		if info == nil {
			return httpkit.NotFound(c, httpkit.CodeNotFound, "package not found")
		}
		if fromUpstream {
			return httpkit.OK(c, packageInfoWithArchiveURLs(d, info))
		}
		return httpkit.OK(c, info)
	}
}

// packageInfoWithArchiveURLs renders a package fetched via upstream
// fall-through with archive_url fields pointing back at this server, so a
// subsequent download triggers caching instead of leaking the upstream
// origin to the client.
func packageInfoWithArchiveURLs(d *Deps, info *domain.PackageInfo) fiber.Map {
	versions := make([]fiber.Map, 0, len(info.Versions))
	for _, v := range info.Versions {
		versions = append(versions, fiber.Map{
			"package":     v.Package,
			"version":     v.Version,
			"archive_url": d.Config.BaseURL + "/packages/" + info.Package.Name + "/versions/" + v.Version + ".tar.gz",
		})
	}
	return fiber.Map{
		"name":             info.Package.Name,
		"is_upstream_cache": info.Package.IsUpstreamCache,
		"versions":         versions,
	}
}

func getVersionHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := requireReadAuth(d, c); err != nil {
			return err
		}
		name, version := c.Params("name"), c.Params("version")

		pv, err := d.Store.GetPackageVersion(c.UserContext(), name, version)
		if err == nil && pv != nil {
			return httpkit.OK(c, pv)
		}

		if !d.Upstream.Enabled {
			return httpkit.NotFound(c, httpkit.CodeNotFound, "version not found")
		}
		remote, rerr := d.Upstream.GetVersion(c.UserContext(), name, version)
		if rerr != nil || remote == nil {
			return httpkit.NotFound(c, httpkit.CodeNotFound, "version not found")
		}
		return httpkit.OK(c, fiber.Map{
			"package":     name,
			"version":     remote.Version,
			"archive_url": d.Config.BaseURL + "/packages/" + name + "/versions/" + remote.Version + ".tar.gz",
		})
	}
}

func downloadArchiveHandler(d *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := requireReadAuth(d, c); err != nil {
			return err
		}
		name, version := c.Params("name"), c.Params("version")
		clientIP := httpkit.ClientIP(c)

		rc, _, err := d.Proxy.DownloadArchive(c.UserContext(), name, version, clientIP)
		if err != nil {
			return httpkit.WithError(c, err)
		}
		if rc == nil {
			return httpkit.NotFound(c, httpkit.CodeNotFound, "archive not found")
		}
		defer rc.Close()

		c.Set(fiber.HeaderContentType, "application/octet-stream")
		return c.SendStream(io.Reader(rc))
	}
}
