package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Image Relay</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "IBM Plex Sans", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }

    main { max-width: 1100px; margin: 0 auto; padding: 32px 20px; }

    form {
      display: flex;
      gap: 10px;
      padding: 16px;
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      box-shadow: var(--shadow);
    }

    input { flex: 1; padding: 10px; border: 1px solid var(--line); border-radius: 8px; }

    button {
      padding: 10px 18px;
      border: 0;
      border-radius: 8px;
      background: var(--accent);
      color: #fff;
      cursor: pointer;
    }

    #status { margin: 14px 0; color: var(--muted); min-height: 1.2em; }
    #status.error { color: var(--danger); }

    .grid {
      display: grid;
      grid-template-columns: repeat(auto-fill, minmax(200px, 1fr));
      gap: 14px;
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      overflow: hidden;
    }

    .card img { width: 100%; height: 160px; object-fit: cover; display: block; background: var(--line); }
    .card .meta { padding: 8px 10px; font-size: 13px; word-break: break-all; }
    .pending { color: var(--muted); }
  </style>
</head>
<body>
  <main>
    <h1>Image Relay</h1>
    <form id="import-form">
      <input id="folder-url" type="url" placeholder="https://drive.google.com/drive/folders/..." required />
      <button type="submit">Import</button>
    </form>
    <div id="status"></div>
    <div id="images" class="grid"></div>
  </main>
  <script>
    (function () {
      const dom = {
        form: document.getElementById("import-form"),
        folderUrl: document.getElementById("folder-url"),
        status: document.getElementById("status"),
        images: document.getElementById("images")
      };

      function setStatus(text, isError) {
        dom.status.textContent = text;
        dom.status.className = isError ? "error" : "";
      }

      function sizeLabel(bytes) {
        if (!bytes) return "";
        if (bytes < 1024) return bytes + " B";
        if (bytes < 1048576) return (bytes / 1024).toFixed(1) + " KB";
        return (bytes / 1048576).toFixed(1) + " MB";
      }

      function render(images) {
        dom.images.innerHTML = "";
        images.forEach(function (image) {
          const card = document.createElement("div");
          card.className = "card";
          if (image.storage_path) {
            const img = document.createElement("img");
            img.src = image.storage_path;
            img.alt = image.name;
            img.loading = "lazy";
            card.appendChild(img);
          }
          const meta = document.createElement("div");
          meta.className = "meta";
          meta.textContent = image.name + " " + sizeLabel(image.size);
          if (!image.storage_path) {
            const pending = document.createElement("div");
            pending.className = "pending";
            pending.textContent = "relay pending";
            meta.appendChild(pending);
          }
          card.appendChild(meta);
          dom.images.appendChild(card);
        });
      }

      async function refresh() {
        try {
          const response = await fetch("/images");
          if (!response.ok) throw new Error("list failed: " + response.status);
          render(await response.json());
        } catch (err) {
          setStatus(err.message, true);
        }
      }

      dom.form.addEventListener("submit", async function (event) {
        event.preventDefault();
        setStatus("importing...", false);
        try {
          const response = await fetch("/import/google-drive", {
            method: "POST",
            headers: { "Content-Type": "application/json" },
            body: JSON.stringify({ folderUrl: dom.folderUrl.value })
          });
          const body = await response.json();
          if (!response.ok) throw new Error(body.error || ("import failed: " + response.status));
          setStatus(body.message + ": " + body.totalImages + " found, " + body.queuedForDownload + " queued", false);
          refresh();
        } catch (err) {
          setStatus(err.message, true);
        }
      });

      refresh();
      window.setInterval(refresh, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
